package payment

import "payrails/internal/transaction"

type stepInfo struct {
	message          string
	minutesRemaining int
}

// Fixed estimates per step, independent of the fee estimator's timing.
var progressTable = map[transaction.Status]stepInfo{
	transaction.StatusInitiated:    {"Payment initiated", 15},
	transaction.StatusPending:      {"Preparing payment", 15},
	transaction.StatusOnRamping:    {"Converting fiat to stablecoin", 12},
	transaction.StatusConverting:   {"Preparing blockchain transfer", 10},
	transaction.StatusTransferring: {"Transferring stablecoin on chain", 7},
	transaction.StatusOffRamping:   {"Converting stablecoin to local currency", 3},
	transaction.StatusCompleted:    {"Payment completed", 0},
	transaction.StatusFailed:       {"Payment failed", 0},
}

// GetPaymentProgress reports the current step, the pipeline steps already
// passed, and a fixed time-remaining estimate. For failed payments the
// completed steps are those before the step that failed.
func (s *Service) GetPaymentProgress(id string) (Progress, bool) {
	status, ok := s.GetTransactionStatus(id)
	if !ok {
		return Progress{}, false
	}

	reached := status
	if status == transaction.StatusFailed {
		reached = s.failedAt(id)
	}

	info := progressTable[status]
	return Progress{
		CurrentStep:               status,
		CompletedSteps:            completedBefore(reached),
		EstimatedMinutesRemaining: info.minutesRemaining,
		Message:                   info.message,
	}, true
}

// failedAt finds the last pipeline status before the most recent failure.
func (s *Service) failedAt(id string) transaction.Status {
	history := s.manager.GetTransactionHistory(id)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == transaction.StatusFailed && history[i].From != transaction.StatusFailed {
			return history[i].From
		}
	}
	return transaction.StatusInitiated
}

func completedBefore(status transaction.Status) []transaction.Status {
	idx := status.PipelineIndex()
	if idx <= 0 {
		return []transaction.Status{}
	}
	return append([]transaction.Status(nil), transaction.Pipeline[:idx]...)
}
