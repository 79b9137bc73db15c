// Package protocol defines the line-delimited JSON messages exchanged between
// a client and an engine session: the READY announcement written by a freshly
// launched engine on stdout, and the HELLO/CMD/DONE/ERROR exchange carried
// over the session transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is written by the engine once it accepts connections
	MessageTypeReady MessageType = "READY"
	// MessageTypeHello authenticates a client on a new connection
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeCommand is a request from the client
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeDone is a successful reply
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError is a failed reply
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is written by the engine before it terminates
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of request sent to the engine.
type CommandType string

const (
	// CommandTypeVersion asks for the engine version
	CommandTypeVersion CommandType = "version"
	// CommandTypePing checks liveness
	CommandTypePing CommandType = "ping"
)

// Error codes carried in ErrorMessage.Code.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces a listening engine session.
type ReadyMessage struct {
	Version      string            `json:"version"`
	Host         string            `json:"host,omitempty"`
	Port         int               `json:"port"`
	SessionToken string            `json:"session_token"`
	PID          int               `json:"pid"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// HelloMessage is the first message on every session connection.
type HelloMessage struct {
	SessionToken  string `json:"session_token"`
	ClientVersion string `json:"client_version,omitempty"`
}

// HelloResult is returned in DONE after a successful HELLO.
type HelloResult struct {
	EngineVersion string `json:"engine_version"`
	SessionID     string `json:"session_id,omitempty"`
}

// CommandMessage is a request to the engine.
type CommandMessage struct {
	ID     string          `json:"id"`
	Type   CommandType     `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DoneMessage is a successful reply.
type DoneMessage struct {
	CommandID string          `json:"command_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage is a failed reply.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error implements the error interface so replies can be returned directly.
func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("engine error %s: %s", e.Code, e.Message)
}

// ExitMessage is sent before the engine terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Served   int    `json:"commands_served"`
}

// VersionResult is the result of a version command.
type VersionResult struct {
	Version string `json:"version"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeHello, MessageTypeCommand,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeVersion, CommandTypePing:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	return cmd.Type.Validate()
}

// Validate checks if the ready message is usable for connecting.
func (r *ReadyMessage) Validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("invalid port: %d", r.Port)
	}
	if r.SessionToken == "" {
		return fmt.Errorf("session token is required")
	}
	return nil
}
