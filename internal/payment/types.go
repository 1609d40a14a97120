package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"payrails/internal/fees"
	"payrails/internal/transaction"
)

var (
	ErrNotFound     = errors.New("payment not found")
	ErrNotRetryable = errors.New("payment is not in a retryable state")
)

// ValidationError describes a rejected payment request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Request struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	RecipientAddress string          `json:"recipientAddress"`
	RecipientENS     string          `json:"recipientEns,omitempty"`
}

// Transaction is the externally visible payment record.
type Transaction struct {
	ID           string             `json:"id"`
	CreatedAt    time.Time          `json:"timestamp"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	Amount       decimal.Decimal    `json:"amount"`
	Currency     string             `json:"currency"`
	Recipient    string             `json:"recipient"`
	RecipientENS string             `json:"recipientEns,omitempty"`
	Status       transaction.Status `json:"status"`
	Fees         fees.Estimate      `json:"fees"`
	TxHash       string             `json:"txHash,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func (t *Transaction) clone() *Transaction {
	out := *t
	return &out
}

// Progress is a user-facing summary of where a payment is in the pipeline.
type Progress struct {
	CurrentStep               transaction.Status   `json:"currentStep"`
	CompletedSteps            []transaction.Status `json:"completedSteps"`
	EstimatedMinutesRemaining int                  `json:"estimatedTimeRemaining"`
	Message                   string               `json:"message"`
}

// Metadata keys holding external correlation ids.
const (
	MetaOnRampID  = "onRampId"
	MetaTxHash    = "txHash"
	MetaOffRampID = "offRampId"
)
