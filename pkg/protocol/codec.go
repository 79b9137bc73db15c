package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxLineSize bounds a single encoded message.
const maxLineSize = 1024 * 1024

// Encoder writes protocol messages to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	line, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeReady sends a READY message.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	if err := ready.Validate(); err != nil {
		return fmt.Errorf("invalid ready message: %w", err)
	}
	return e.Encode(MessageTypeReady, ready)
}

// EncodeHello sends a HELLO message.
func (e *Encoder) EncodeHello(hello *HelloMessage) error {
	return e.Encode(MessageTypeHello, hello)
}

// EncodeCommand sends a CMD message.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeDone sends a DONE message with result marshalled into it.
func (e *Encoder) EncodeDone(commandID string, result interface{}, took time.Duration) error {
	done := &DoneMessage{CommandID: commandID, Duration: took.Seconds()}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		done.Result = b
	}
	return e.Encode(MessageTypeDone, done)
}

// EncodeError sends an ERROR message.
func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

// EncodeExit sends an EXIT message.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads protocol messages from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{r: scanner}
}

// Decode reads the next message. It returns io.EOF when the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeReady skips any non-protocol noise until a READY message arrives.
// Engines may print banners before announcing themselves.
func (d *Decoder) DecodeReady() (*ReadyMessage, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}

		var msg Message
		if err := json.Unmarshal(d.r.Bytes(), &msg); err != nil || msg.Type != MessageTypeReady {
			continue
		}

		var ready ReadyMessage
		if err := ParseParams(msg.Data, &ready); err != nil {
			return nil, err
		}
		if err := ready.Validate(); err != nil {
			return nil, fmt.Errorf("invalid ready message: %w", err)
		}
		return &ready, nil
	}
}

// DecodeCommand decodes a command message.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := ParseParams(msg.Data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// DecodeReply reads a DONE or ERROR message. An ERROR is returned as a
// *ErrorMessage error.
func (d *Decoder) DecodeReply() (*DoneMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case MessageTypeDone:
		var done DoneMessage
		if err := ParseParams(msg.Data, &done); err != nil {
			return nil, err
		}
		return &done, nil
	case MessageTypeError:
		var em ErrorMessage
		if err := ParseParams(msg.Data, &em); err != nil {
			return nil, err
		}
		return nil, &em
	default:
		return nil, fmt.Errorf("expected DONE or ERROR message, got %s", msg.Type)
	}
}

// ParseParams parses a raw payload into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("failed to parse params: empty payload")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
