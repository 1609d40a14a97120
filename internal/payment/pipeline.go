package payment

import (
	"context"
	"errors"
	"fmt"

	"payrails/internal/ledger"
	"payrails/internal/poll"
	"payrails/internal/ramp"
	"payrails/internal/transaction"
)

// errHalted stops a pipeline whose payment was cancelled, failed elsewhere or
// removed. The status already reflects the outcome so nothing is recorded.
var errHalted = errors.New("payment pipeline halted")

var inFlight = []transaction.Status{
	transaction.StatusInitiated,
	transaction.StatusPending,
	transaction.StatusOnRamping,
	transaction.StatusConverting,
	transaction.StatusTransferring,
	transaction.StatusOffRamping,
}

func (s *Service) process(ctx context.Context, id string) error {
	tx, ok := s.GetTransaction(id)
	if !ok {
		return errHalted
	}
	log := s.logger.With("id", id)

	if err := s.advance(id, transaction.StatusInitiated, transaction.StatusPending, "payment processing started"); err != nil {
		return err
	}

	if err := s.onRamp(ctx, tx); err != nil {
		return err
	}
	log.Info("on-ramp completed")

	if err := s.advance(id, transaction.StatusOnRamping, transaction.StatusConverting, "on-ramp completed"); err != nil {
		return err
	}
	if err := poll.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}

	if err := s.transfer(ctx, tx); err != nil {
		return err
	}
	log.Info("blockchain transfer confirmed")

	if err := s.offRamp(ctx, tx); err != nil {
		return err
	}

	if err := s.advance(id, transaction.StatusOffRamping, transaction.StatusCompleted, "off-ramp completed"); err != nil {
		return err
	}
	log.Info("payment completed")
	return nil
}

func (s *Service) onRamp(ctx context.Context, tx *Transaction) error {
	if err := s.advance(tx.ID, transaction.StatusPending, transaction.StatusOnRamping, "starting on-ramp"); err != nil {
		return err
	}
	res, err := s.ramp.InitiateOnRamp(ctx, tx.Amount, tx.Currency)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOnRampFailed, err)
	}
	if err := s.setMetadata(tx.ID, MetaOnRampID, res.ID); err != nil {
		return err
	}

	return poll.Until(ctx, s.cfg.OnRampPoll, func(ctx context.Context) (bool, error) {
		if err := s.checkActive(tx.ID, transaction.StatusOnRamping); err != nil {
			return false, err
		}
		status, err := s.ramp.GetOnRampStatus(ctx, res.ID)
		if err != nil {
			return false, fmt.Errorf("check on-ramp %s: %w", res.ID, err)
		}
		return rampDone(status, ErrOnRampFailed)
	})
}

func (s *Service) transfer(ctx context.Context, tx *Transaction) error {
	if err := s.advance(tx.ID, transaction.StatusConverting, transaction.StatusTransferring, "starting blockchain transfer"); err != nil {
		return err
	}
	sent, err := s.ledger.SendFunds(ctx, tx.Recipient, tx.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := s.setMetadata(tx.ID, MetaTxHash, sent.Hash); err != nil {
		return err
	}
	s.recordTxHash(tx.ID, sent.Hash)

	return poll.Until(ctx, s.cfg.TransferPoll, func(ctx context.Context) (bool, error) {
		if err := s.checkActive(tx.ID, transaction.StatusTransferring); err != nil {
			return false, err
		}
		status, err := s.ledger.GetTransferStatus(ctx, sent.Hash)
		if err != nil {
			return false, fmt.Errorf("check transfer %s: %w", sent.Hash, err)
		}
		switch status.Status {
		case ledger.StateFailed:
			return false, ErrTransferFailed
		case ledger.StateConfirmed:
			return status.Confirmations >= s.cfg.RequiredConfirmations, nil
		}
		return false, nil
	})
}

func (s *Service) offRamp(ctx context.Context, tx *Transaction) error {
	if err := s.advance(tx.ID, transaction.StatusTransferring, transaction.StatusOffRamping, "blockchain transfer confirmed"); err != nil {
		return err
	}
	res, err := s.ramp.InitiateOffRamp(ctx, tx.Amount, tx.Currency, tx.Recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffRampFailed, err)
	}
	if err := s.setMetadata(tx.ID, MetaOffRampID, res.ID); err != nil {
		return err
	}

	return poll.Until(ctx, s.cfg.OffRampPoll, func(ctx context.Context) (bool, error) {
		if err := s.checkActive(tx.ID, transaction.StatusOffRamping); err != nil {
			return false, err
		}
		status, err := s.ramp.GetOffRampStatus(ctx, res.ID)
		if err != nil {
			return false, fmt.Errorf("check off-ramp %s: %w", res.ID, err)
		}
		return rampDone(status, ErrOffRampFailed)
	})
}

func rampDone(status ramp.Status, failed error) (bool, error) {
	switch status {
	case ramp.StatusCompleted:
		return true, nil
	case ramp.StatusFailed:
		return false, failed
	}
	return false, nil
}

// advance moves id from one pipeline step to the next, but only if nothing
// else changed its status in the meantime.
func (s *Service) advance(id string, from, to transaction.Status, reason string) error {
	ok, err := s.manager.CompareAndTransition(id, from, to, reason)
	if errors.Is(err, transaction.ErrNotFound) {
		return errHalted
	}
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.checkActive(id, from)
}

// checkActive returns errHalted once the payment has left the pipeline and an
// error if it sits in a status other than expected.
func (s *Service) checkActive(id string, expected transaction.Status) error {
	current, ok := s.manager.GetCurrentStatus(id)
	if !ok || current == transaction.StatusFailed {
		return errHalted
	}
	if current != expected {
		return fmt.Errorf("payment %s is %s, expected %s", id, current, expected)
	}
	return nil
}

func (s *Service) setMetadata(id, key, value string) error {
	if err := s.manager.SetMetadata(id, key, value); err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			return errHalted
		}
		return err
	}
	return nil
}

func (s *Service) recordTxHash(id, hash string) {
	s.mu.Lock()
	tx, ok := s.transactions[id]
	if ok {
		tx.TxHash = hash
		tx.UpdatedAt = s.now()
	}
	s.mu.Unlock()
	if ok {
		s.persistOrLog()
	}
}

// abort records a pipeline error as a failure unless the payment already
// left the pipeline.
func (s *Service) abort(id string, err error) {
	if errors.Is(err, errHalted) {
		s.logger.Info("payment pipeline stopped", "id", id)
		return
	}
	if s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrShuttingDown
	}

	failed, ferr := s.manager.MarkAsFailedFrom(id, inFlight, err.Error(), "payment processing failed")
	switch {
	case ferr != nil:
		s.logger.Warn("could not record payment failure", "id", id, "error", err, "cause", ferr)
	case failed:
		s.logger.Error("payment failed", "id", id, "error", err)
	default:
		s.logger.Info("payment pipeline stopped", "id", id, "error", err)
	}
}
