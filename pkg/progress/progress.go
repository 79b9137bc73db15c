// Package progress reports provisioning phases to the user. Sinks are
// fire-and-forget: they never fail and never block the caller for long.
package progress

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/enginelink/pkg/telemetry"
)

// Phase names emitted while provisioning and connecting.
const (
	PhaseProvisioning  = "Provisioning engine"
	PhaseDownloading   = "Downloading engine"
	PhaseCreating      = "Creating new engine session"
	PhaseEstablishing  = "Establishing connection to the engine"
	PhaseCheckVersion  = "Checking version compatibility"
	PhaseRunning       = "Running pipelines"
	PhaseDisconnecting = "Disconnecting"
)

// Sink receives progress phases.
type Sink interface {
	Start(ctx context.Context, phase string)
	Update(ctx context.Context, phase string)
	Stop(ctx context.Context)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Start(context.Context, string)  {}
func (Nop) Update(context.Context, string) {}
func (Nop) Stop(context.Context)           {}

// LogSink writes each phase as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink logging at info level through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "progress").Logger()}
}

func (s *LogSink) Start(_ context.Context, phase string) {
	s.logger.Info().Str("phase", phase).Msg(phase)
}

func (s *LogSink) Update(_ context.Context, phase string) {
	s.logger.Info().Str("phase", phase).Msg(phase)
}

func (s *LogSink) Stop(context.Context) {
	s.logger.Debug().Msg("Progress stopped")
}

// EventSink publishes phases to an event publisher.
type EventSink struct {
	events *telemetry.EventPublisher
}

// NewEventSink returns a sink publishing progress events.
func NewEventSink(events *telemetry.EventPublisher) *EventSink {
	return &EventSink{events: events}
}

func (s *EventSink) Start(_ context.Context, phase string) {
	s.publish(telemetry.EventTypeProgressStart, phase)
}

func (s *EventSink) Update(_ context.Context, phase string) {
	s.publish(telemetry.EventTypeProgressUpdate, phase)
}

func (s *EventSink) Stop(context.Context) {
	s.publish(telemetry.EventTypeProgressStop, "")
}

func (s *EventSink) publish(eventType, phase string) {
	_ = s.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "progress",
		Message: phase,
	})
}

// Multi fans out to several sinks in order.
type Multi []Sink

func (m Multi) Start(ctx context.Context, phase string) {
	for _, s := range m {
		s.Start(ctx, phase)
	}
}

func (m Multi) Update(ctx context.Context, phase string) {
	for _, s := range m {
		s.Update(ctx, phase)
	}
}

func (m Multi) Stop(ctx context.Context) {
	for _, s := range m {
		s.Stop(ctx)
	}
}

// Call is one recorded sink invocation.
type Call struct {
	Method string
	Phase  string
}

// Recorder keeps every call in memory. Useful for tests and for replaying
// the phases a provisioning run went through.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) Start(_ context.Context, phase string) { r.add("start", phase) }

func (r *Recorder) Update(_ context.Context, phase string) { r.add("update", phase) }

func (r *Recorder) Stop(context.Context) { r.add("stop", "") }

func (r *Recorder) add(method, phase string) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Method: method, Phase: phase})
	r.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Phases returns the phase of every start and update call, in order.
func (r *Recorder) Phases() []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Method != "stop" {
			out = append(out, c.Phase)
		}
	}
	return out
}
