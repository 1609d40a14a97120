package transaction

import (
	"errors"
	"maps"
	"time"
)

var (
	ErrNotFound      = errors.New("transaction state not found")
	ErrAlreadyExists = errors.New("transaction state already exists")
)

// StateTransition is one entry of the append-only transition log.
type StateTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// State is the bookkeeping record kept for every payment id.
type State struct {
	ID             string            `json:"id"`
	CurrentStatus  Status            `json:"currentStatus"`
	PreviousStatus Status            `json:"previousStatus,omitempty"`
	Transitions    []StateTransition `json:"transitions"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	LastError      string            `json:"lastError,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LastTransitionAt is the timestamp of the newest log entry.
func (s *State) LastTransitionAt() time.Time {
	if len(s.Transitions) == 0 {
		return time.Time{}
	}
	return s.Transitions[len(s.Transitions)-1].Timestamp
}

func (s *State) clone() *State {
	out := *s
	out.Transitions = append([]StateTransition(nil), s.Transitions...)
	out.Metadata = maps.Clone(s.Metadata)
	return &out
}

func (s *State) append(to Status, at time.Time, reason, errMsg string) {
	from := s.CurrentStatus
	s.PreviousStatus = from
	s.CurrentStatus = to
	s.Transitions = append(s.Transitions, StateTransition{
		From:      from,
		To:        to,
		Timestamp: at,
		Reason:    reason,
		Error:     errMsg,
	})
}

// consistent checks the log invariants on states read back from storage.
func (s *State) consistent() error {
	if s.ID == "" {
		return errors.New("missing id")
	}
	if len(s.Transitions) == 0 {
		return errors.New("empty transition log")
	}
	for i := 1; i < len(s.Transitions); i++ {
		if s.Transitions[i].From != s.Transitions[i-1].To {
			return errors.New("transition log is not continuous")
		}
	}
	if s.Transitions[len(s.Transitions)-1].To != s.CurrentStatus {
		return errors.New("current status does not match transition log")
	}
	return nil
}
