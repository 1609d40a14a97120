package ramp

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Status is reported by the fiat ramp provider for both directions.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var ErrUnknownOperation = errors.New("unknown ramp operation")

// Result is returned when a ramp operation is accepted.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Service abstracts the fiat on/off-ramp provider.
type Service interface {
	InitiateOnRamp(ctx context.Context, amount decimal.Decimal, currency string) (Result, error)
	GetOnRampStatus(ctx context.Context, id string) (Status, error)
	InitiateOffRamp(ctx context.Context, amount decimal.Decimal, currency, recipient string) (Result, error)
	GetOffRampStatus(ctx context.Context, id string) (Status, error)
}
