package stores

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus represents the state of a launched engine session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusStopped SessionStatus = "stopped"
	SessionStatusFailed  SessionStatus = "failed"
)

// Session is one launched engine session.
type Session struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	Launcher   string            `json:"launcher"`
	BinaryPath string            `json:"binary_path"`
	Version    string            `json:"version"`
	PID        int               `json:"pid"`
	Labels     map[string]string `json:"labels,omitempty"`
	Status     SessionStatus     `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
	Error      *string           `json:"error,omitempty"`
}

// Binary is a cached engine binary.
type Binary struct {
	Version   string    `json:"version"`
	Platform  string    `json:"platform"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}
