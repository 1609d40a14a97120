package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Client abstracts the on-chain stablecoin transfer.
type Client interface {
	ValidateAddress(address string) bool
	SendFunds(ctx context.Context, to string, amount decimal.Decimal) (SendResult, error)
	GetTransferStatus(ctx context.Context, hash string) (TransferStatus, error)
}

// HealthChecker is implemented by clients that talk to a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

var (
	ErrInvalidAddress  = errors.New("invalid recipient address")
	ErrUnknownTransfer = errors.New("unknown transfer")
)

type SendResult struct {
	Hash   string `json:"hash"`
	Status State  `json:"status"`
}

type TransferStatus struct {
	Status        State  `json:"status"`
	Confirmations uint64 `json:"confirmations"`
}
