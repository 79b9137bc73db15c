package engine

import (
	"encoding/json"
	"fmt"
)

// State is the provisioning state of an Engine.
type State string

const (
	// StateNotStarted indicates Provision has not been called.
	StateNotStarted State = "not_started"

	// StateProvisioning indicates a binary is being resolved or launched.
	StateProvisioning State = "provisioning"

	// StateProvisioned indicates connection parameters are available.
	StateProvisioned State = "provisioned"

	// StateFailed indicates the last Provision call failed.
	StateFailed State = "failed"
)

// IsTerminal returns true if no provisioning is in flight.
func (s State) IsTerminal() bool {
	return s == StateProvisioned || s == StateFailed
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateNotStarted, StateProvisioning, StateProvisioned, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid engine state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler with validation.
func (s State) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}
