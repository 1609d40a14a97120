package ramp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulator is an in-memory ramp provider. Each operation reports pending,
// then processing, and settles once it has been polled CompleteAfter times.
type Simulator struct {
	// CompleteAfter is the number of status queries before an operation
	// settles. Zero settles on the first query.
	CompleteAfter int
	// FailOnRamp / FailOffRamp make the matching direction settle as failed.
	FailOnRamp  bool
	FailOffRamp bool

	mu  sync.Mutex
	ops map[string]*operation
}

type operation struct {
	direction string
	amount    decimal.Decimal
	currency  string
	recipient string
	polls     int
	fail      bool
}

func NewSimulator(completeAfter int) *Simulator {
	return &Simulator{CompleteAfter: completeAfter, ops: make(map[string]*operation)}
}

func (s *Simulator) InitiateOnRamp(_ context.Context, amount decimal.Decimal, currency string) (Result, error) {
	if err := validate(amount, currency); err != nil {
		return Result{}, err
	}
	return s.start("onramp", amount, currency, "", s.FailOnRamp), nil
}

func (s *Simulator) InitiateOffRamp(_ context.Context, amount decimal.Decimal, currency, recipient string) (Result, error) {
	if err := validate(amount, currency); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(recipient) == "" {
		return Result{}, fmt.Errorf("recipient required")
	}
	return s.start("offramp", amount, currency, recipient, s.FailOffRamp), nil
}

func (s *Simulator) GetOnRampStatus(_ context.Context, id string) (Status, error) {
	return s.advance("onramp", id)
}

func (s *Simulator) GetOffRampStatus(_ context.Context, id string) (Status, error) {
	return s.advance("offramp", id)
}

func (s *Simulator) start(direction string, amount decimal.Decimal, currency, recipient string, fail bool) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops == nil {
		s.ops = make(map[string]*operation)
	}
	id := direction + "_" + uuid.NewString()
	s.ops[id] = &operation{
		direction: direction,
		amount:    amount,
		currency:  strings.ToUpper(currency),
		recipient: recipient,
		fail:      fail,
	}
	return Result{ID: id, Status: StatusPending}
}

func (s *Simulator) advance(direction, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || op.direction != direction {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	op.polls++
	if op.polls > s.CompleteAfter {
		if op.fail {
			return StatusFailed, nil
		}
		return StatusCompleted, nil
	}
	if op.polls == 1 {
		return StatusPending, nil
	}
	return StatusProcessing, nil
}

// Operations reports how many operations were started, for tests and health.
func (s *Simulator) Operations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func validate(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(currency) == "" {
		return fmt.Errorf("currency required")
	}
	return nil
}
