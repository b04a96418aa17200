package breaker

import (
	"fmt"
	"time"
)

// State is the circuit state of one model.
type State int

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen fails fast and redirects every call to the fallback model.
	StateOpen
	// StateHalfOpen admits a single trial call after the cooldown.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < StateClosed || s > StateHalfOpen {
		return nil, fmt.Errorf("invalid circuit state %d", int(s))
	}
	return []byte(s.String()), nil
}

// CircuitState is a point-in-time snapshot of one model's circuit.
type CircuitState struct {
	Model         string    `json:"model"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// Transition describes a state change reported to Config.OnStateChange.
type Transition struct {
	Model string
	From  State
	To    State
	// Manual is set for ResetModel.
	Manual bool
}
