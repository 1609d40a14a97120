package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"payrails/internal/fees"
	"payrails/internal/ledger"
	"payrails/internal/persistence"
	"payrails/internal/poll"
	"payrails/internal/ramp"
	"payrails/internal/transaction"
)

var (
	ErrOnRampFailed    = errors.New("on-ramp failed")
	ErrOnRampTimeout   = errors.New("on-ramp timed out")
	ErrTransferFailed  = errors.New("blockchain transfer failed")
	ErrTransferTimeout = errors.New("blockchain transfer confirmation timed out")
	ErrOffRampFailed   = errors.New("off-ramp failed")
	ErrOffRampTimeout  = errors.New("off-ramp timed out")
	ErrShuttingDown    = errors.New("payment service is shutting down")
)

// Config holds the polling budget of each pipeline step.
type Config struct {
	OnRampPoll            poll.Options
	TransferPoll          poll.Options
	OffRampPoll           poll.Options
	SettleDelay           time.Duration
	RequiredConfirmations uint64
}

func DefaultConfig() Config {
	return Config{
		OnRampPoll:            poll.Options{Interval: 10 * time.Second, MaxAttempts: 30, TimeoutErr: ErrOnRampTimeout},
		TransferPoll:          poll.Options{Interval: 10 * time.Second, MaxAttempts: 60, TimeoutErr: ErrTransferTimeout},
		OffRampPoll:           poll.Options{Interval: 10 * time.Second, MaxAttempts: 20, TimeoutErr: ErrOffRampTimeout},
		SettleDelay:           2 * time.Second,
		RequiredConfirmations: 3,
	}
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Manager *transaction.Manager
	Ramp    ramp.Service
	Ledger  ledger.Client
	Fees    *fees.Estimator
	Store   persistence.Adapter
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service creates payment records and drives each one through the
// on-ramp, transfer and off-ramp pipeline in its own goroutine.
type Service struct {
	cfg     Config
	manager *transaction.Manager
	ramp    ramp.Service
	ledger  ledger.Client
	fees    *fees.Estimator
	store   persistence.Adapter
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.RWMutex
	transactions map[string]*Transaction
	saveMu       sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	lifeMu     sync.Mutex
	closed     bool
	wg         sync.WaitGroup
	observerID transaction.CallbackID
}

func New(ctx context.Context, deps Dependencies, cfg Config) (*Service, error) {
	switch {
	case deps.Manager == nil:
		return nil, errors.New("transaction manager is required")
	case deps.Ramp == nil:
		return nil, errors.New("ramp service is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger client is required")
	case deps.Fees == nil:
		return nil, errors.New("fee estimator is required")
	case deps.Store == nil:
		return nil, errors.New("transaction store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = withDefaults(cfg)

	rootCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:          cfg,
		manager:      deps.Manager,
		ramp:         deps.Ramp,
		ledger:       deps.Ledger,
		fees:         deps.Fees,
		store:        deps.Store,
		logger:       deps.Logger,
		now:          deps.Now,
		transactions: make(map[string]*Transaction),
		ctx:          rootCtx,
		cancel:       cancel,
	}
	s.load(ctx)
	s.observerID = s.manager.OnStatusChange(s.handleStatusChange)
	return s, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	fill := func(o *poll.Options, d poll.Options) {
		if o.Interval <= 0 {
			o.Interval = d.Interval
		}
		if o.MaxAttempts <= 0 {
			o.MaxAttempts = d.MaxAttempts
		}
		if o.TimeoutErr == nil {
			o.TimeoutErr = d.TimeoutErr
		}
	}
	fill(&cfg.OnRampPoll, def.OnRampPoll)
	fill(&cfg.TransferPoll, def.TransferPoll)
	fill(&cfg.OffRampPoll, def.OffRampPoll)
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = def.RequiredConfirmations
	}
	return cfg
}

func (s *Service) load(ctx context.Context) {
	blob, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("could not load payment history, starting empty", "error", err)
		return
	}
	if len(blob) == 0 {
		return
	}
	var stored []*Transaction
	if err := json.Unmarshal(blob, &stored); err != nil {
		s.logger.Warn("stored payment history is corrupt, starting empty", "error", err)
		return
	}
	for _, tx := range stored {
		if tx == nil || tx.ID == "" {
			continue
		}
		s.transactions[tx.ID] = tx
	}
	s.logger.Info("loaded payment history", "count", len(s.transactions))
}

func (s *Service) persist() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	records := make([]*Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		records = append(records, tx)
	}
	sortNewestFirst(records)
	blob, err := json.Marshal(records)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal payment history: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("save payment history: %w", err)
	}
	return nil
}

func (s *Service) persistOrLog() {
	if err := s.persist(); err != nil {
		s.logger.Error("persist payment history", "error", err)
	}
}

// handleStatusChange mirrors state manager transitions onto the record.
func (s *Service) handleStatusChange(id string, _, to transaction.Status) {
	var lastErr string
	if to == transaction.StatusFailed {
		if st := s.manager.GetTransactionState(id); st != nil {
			lastErr = st.LastError
		}
	}

	s.mu.Lock()
	tx, ok := s.transactions[id]
	if ok {
		tx.Status = to
		tx.UpdatedAt = s.now()
		switch to {
		case transaction.StatusFailed:
			tx.Error = lastErr
		case transaction.StatusPending:
			tx.Error = ""
		}
	}
	s.mu.Unlock()

	if ok {
		s.persistOrLog()
	}
}

func (s *Service) validate(req Request) error {
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(req.Currency) == "" {
		return &ValidationError{Field: "currency", Reason: "is required"}
	}
	recipient := strings.TrimSpace(req.RecipientAddress)
	if recipient == "" {
		return &ValidationError{Field: "recipientAddress", Reason: "is required"}
	}
	if !s.ledger.ValidateAddress(recipient) {
		return &ValidationError{Field: "recipientAddress", Reason: "is not a valid address"}
	}
	return nil
}

// InitiatePayment validates req, stores a new INITIATED record and starts
// the pipeline in the background. It returns as soon as the record exists.
func (s *Service) InitiatePayment(ctx context.Context, req Request) (*Transaction, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if !s.reserve() {
		return nil, ErrShuttingDown
	}
	launched := false
	defer func() {
		if !launched {
			s.wg.Done()
		}
	}()

	uid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate payment id: %w", err)
	}
	id := uid.String()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	now := s.now()

	tx := &Transaction{
		ID:           id,
		CreatedAt:    now,
		UpdatedAt:    now,
		Amount:       req.Amount,
		Currency:     currency,
		Recipient:    strings.TrimSpace(req.RecipientAddress),
		RecipientENS: strings.TrimSpace(req.RecipientENS),
		Status:       transaction.StatusInitiated,
		Fees:         s.fees.CommittedFees(ctx, req.Amount, currency),
	}

	if _, err := s.manager.InitializeTransaction(id, transaction.StatusInitiated); err != nil {
		return nil, fmt.Errorf("initialize payment state: %w", err)
	}

	s.mu.Lock()
	s.transactions[id] = tx
	out := tx.clone()
	s.mu.Unlock()
	s.persistOrLog()

	s.logger.Info("payment initiated",
		"id", id, "amount", tx.Amount.String(), "currency", currency, "recipient", tx.Recipient)
	launched = true
	s.launch(id)
	return out, nil
}

// reserve counts a pipeline against the wait group unless Close has begun.
// Every successful reserve is matched by one wg.Done.
func (s *Service) reserve() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// launch runs the pipeline for id on a slot taken by reserve.
func (s *Service) launch(id string) {
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("payment pipeline panicked", "id", id, "panic", r)
				s.abort(id, fmt.Errorf("internal error: %v", r))
			}
		}()
		if err := s.process(s.ctx, id); err != nil {
			s.abort(id, err)
		}
	}()
}

func (s *Service) GetTransaction(id string) (*Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, false
	}
	return tx.clone(), true
}

func (s *Service) GetTransactionStatus(id string) (transaction.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return "", false
	}
	return tx.Status, true
}

// GetTransactionHistory returns every record, newest first.
func (s *Service) GetTransactionHistory() []Transaction {
	s.mu.RLock()
	records := make([]*Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		records = append(records, tx.clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(records)
	out := make([]Transaction, len(records))
	for i, tx := range records {
		out[i] = *tx
	}
	return out
}

var cancellable = []transaction.Status{
	transaction.StatusInitiated,
	transaction.StatusPending,
	transaction.StatusOnRamping,
}

// CancelPayment fails the payment if funds have not reached the chain yet.
// Once the transfer has started it returns false and changes nothing.
func (s *Service) CancelPayment(id string) (bool, error) {
	if _, ok := s.GetTransaction(id); !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ok, err := s.manager.MarkAsFailedFrom(id, cancellable, "cancelled by user", "payment cancelled")
	if errors.Is(err, transaction.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("payment cancelled", "id", id)
	}
	return ok, nil
}

// RetryPayment starts a fresh payment, with a new id, from a FAILED one.
func (s *Service) RetryPayment(ctx context.Context, id string) (*Transaction, error) {
	tx, ok := s.GetTransaction(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tx.Status != transaction.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, tx.Status)
	}
	retried, err := s.InitiatePayment(ctx, Request{
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		RecipientAddress: tx.Recipient,
		RecipientENS:     tx.RecipientENS,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment retried", "id", id, "newId", retried.ID)
	return retried, nil
}

// ClearTransactionHistory drops every payment record and its state. Running
// pipelines notice the missing state and stop.
func (s *Service) ClearTransactionHistory() error {
	s.mu.Lock()
	s.transactions = make(map[string]*Transaction)
	s.mu.Unlock()

	s.manager.Clear()
	return s.persist()
}

// CleanupOldTransactions removes completed payments older than maxAge from
// both the state manager and the history.
func (s *Service) CleanupOldTransactions(maxAge time.Duration) int {
	removed := s.manager.CleanupOldTransactions(maxAge)
	if removed == 0 {
		return 0
	}

	s.mu.Lock()
	for id, tx := range s.transactions {
		if tx.Status != transaction.StatusCompleted {
			continue
		}
		if _, ok := s.manager.GetCurrentStatus(id); !ok {
			delete(s.transactions, id)
		}
	}
	s.mu.Unlock()
	s.persistOrLog()
	return removed
}

// Manager exposes the state manager for status subscriptions and statistics.
func (s *Service) Manager() *transaction.Manager {
	return s.manager
}

// EstimateFees is the preview fee path.
func (s *Service) EstimateFees(ctx context.Context, req Request) fees.Estimate {
	return s.fees.CalculateFees(ctx, req.Amount, req.Currency)
}

// Wait blocks until every running pipeline has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops accepting payments, cancels running pipelines and waits for
// them to record their outcome.
func (s *Service) Close() {
	s.lifeMu.Lock()
	s.closed = true
	s.cancel()
	s.lifeMu.Unlock()

	s.wg.Wait()
	s.manager.RemoveStatusChangeCallback(s.observerID)
}

func sortNewestFirst(records []*Transaction) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
