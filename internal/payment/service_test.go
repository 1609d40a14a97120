package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrails/internal/fees"
	"payrails/internal/ledger"
	"payrails/internal/persistence"
	"payrails/internal/poll"
	"payrails/internal/ramp"
	"payrails/internal/transaction"
)

const recipient = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc     *Service
	manager *transaction.Manager
	sim     *ramp.Simulator
	chain   *ledger.FakeClient
	store   *persistence.MemoryAdapter
	clock   *testClock
}

func fastConfig() Config {
	return Config{
		OnRampPoll:            poll.Options{Interval: time.Millisecond, MaxAttempts: 100, TimeoutErr: ErrOnRampTimeout},
		TransferPoll:          poll.Options{Interval: time.Millisecond, MaxAttempts: 100, TimeoutErr: ErrTransferTimeout},
		OffRampPoll:           poll.Options{Interval: time.Millisecond, MaxAttempts: 100, TimeoutErr: ErrOffRampTimeout},
		SettleDelay:           time.Millisecond,
		RequiredConfirmations: 3,
	}
}

// parkedConfig keeps a pipeline polling until the service is closed.
func parkedConfig() Config {
	cfg := fastConfig()
	cfg.OnRampPoll.MaxAttempts = 1_000_000
	cfg.TransferPoll.MaxAttempts = 1_000_000
	return cfg
}

func newHarness(t *testing.T, cfg Config, store *persistence.MemoryAdapter) *harness {
	t.Helper()
	if store == nil {
		store = persistence.NewMemoryAdapter()
	}
	h := &harness{
		sim:   ramp.NewSimulator(1),
		chain: ledger.NewFakeClient(),
		store: store,
		clock: &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := slogt.New(t)
	h.manager = transaction.NewManager(context.Background(), persistence.NewMemoryAdapter(), transaction.DefaultConfig(),
		transaction.WithLogger(logger), transaction.WithClock(h.clock.Now))

	estimator := fees.NewEstimator(fees.FixedConditions{
		Congestion:        fees.CongestionLow,
		GasPriceGwei:      decimal.NewFromInt(20),
		ProcessingMinutes: 3,
	}, fees.DefaultRates(), logger)

	svc, err := New(context.Background(), Dependencies{
		Manager: h.manager,
		Ramp:    h.sim,
		Ledger:  h.chain,
		Fees:    estimator,
		Store:   store,
		Logger:  logger,
		Now:     h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	h.svc = svc
	return h
}

func request(amount int64, currency string) Request {
	return Request{Amount: decimal.NewFromInt(amount), Currency: currency, RecipientAddress: recipient}
}

func (h *harness) waitFor(t *testing.T, id string, want transaction.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := h.svc.GetTransactionStatus(id)
		return ok && got == want
	}, 3*time.Second, time.Millisecond, "payment %s never reached %s", id, want)
}

// seed stores a payment in the given status without running the pipeline.
func (h *harness) seed(t *testing.T, status transaction.Status, req Request) *Transaction {
	t.Helper()
	id := uuid.NewString()
	h.svc.mu.Lock()
	h.svc.transactions[id] = &Transaction{
		ID:        id,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Recipient: req.RecipientAddress,
		Status:    transaction.StatusInitiated,
	}
	h.svc.mu.Unlock()

	_, err := h.manager.InitializeTransaction(id, transaction.StatusInitiated)
	require.NoError(t, err)
	if status == transaction.StatusFailed {
		require.NoError(t, h.manager.MarkAsFailed(id, "seeded failure", ""))
	} else {
		for _, s := range transaction.Pipeline[1:status.PipelineIndex()+1] {
			ok, err := h.manager.TransitionTo(id, s, "seed")
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	tx, ok := h.svc.GetTransaction(id)
	require.True(t, ok)
	require.Equal(t, status, tx.Status)
	return tx
}

func TestInitiatePaymentReturnsInitiated(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	a, err := h.svc.InitiatePayment(context.Background(), request(100, "usd"))
	require.NoError(t, err)
	b, err := h.svc.InitiatePayment(context.Background(), request(100, "USD"))
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusInitiated, a.Status)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "USD", a.Currency)
	assert.True(t, a.Fees.Balanced())
	assert.True(t, a.Fees.TotalFee.IsPositive())
	assert.False(t, a.CreatedAt.IsZero())

	h.svc.Wait()
}

func TestInitiatePaymentValidation(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	ctx := context.Background()

	cases := map[string]struct {
		req   Request
		field string
	}{
		"zero amount":     {request(0, "USD"), "amount"},
		"negative amount": {request(-5, "USD"), "amount"},
		"no currency":     {request(10, " "), "currency"},
		"no recipient":    {Request{Amount: decimal.NewFromInt(10), Currency: "USD"}, "recipientAddress"},
		"bad recipient":   {Request{Amount: decimal.NewFromInt(10), Currency: "USD", RecipientAddress: "alice.eth"}, "recipientAddress"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.InitiatePayment(ctx, tc.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	assert.Empty(t, h.svc.GetTransactionHistory())
	assert.Zero(t, h.manager.GetStatistics().Total)
	assert.Zero(t, h.sim.Operations())
}

func TestPipelineCompletes(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	tx, err := h.svc.InitiatePayment(context.Background(), request(250, "EUR"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusCompleted)
	h.svc.Wait()

	history := h.manager.GetTransactionHistory(tx.ID)
	require.Len(t, history, 7)
	for i, step := range transaction.Pipeline {
		assert.Equal(t, step, history[i].To)
	}

	onRampID, ok := h.manager.GetMetadata(tx.ID, MetaOnRampID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(onRampID, "onramp_"))
	offRampID, ok := h.manager.GetMetadata(tx.ID, MetaOffRampID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(offRampID, "offramp_"))
	hash, ok := h.manager.GetMetadata(tx.ID, MetaTxHash)
	require.True(t, ok)

	got, ok := h.svc.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, hash, got.TxHash)
	assert.Empty(t, got.Error)

	progress, ok := h.svc.GetPaymentProgress(tx.ID)
	require.True(t, ok)
	assert.Equal(t, transaction.StatusCompleted, progress.CurrentStep)
	assert.Equal(t, transaction.Pipeline[:6], progress.CompletedSteps)
	assert.Zero(t, progress.EstimatedMinutesRemaining)
}

func TestPipelineFailures(t *testing.T) {
	cases := map[string]struct {
		setup   func(h *harness)
		errText string
		meta    []string
		failed  transaction.Status
	}{
		"on-ramp failed": {
			setup:   func(h *harness) { h.sim.FailOnRamp = true },
			errText: ErrOnRampFailed.Error(),
			meta:    []string{MetaOnRampID},
			failed:  transaction.StatusOnRamping,
		},
		"transfer failed": {
			setup:   func(h *harness) { h.chain.FailTransfers = true },
			errText: ErrTransferFailed.Error(),
			meta:    []string{MetaOnRampID, MetaTxHash},
			failed:  transaction.StatusTransferring,
		},
		"off-ramp failed": {
			setup:   func(h *harness) { h.sim.FailOffRamp = true },
			errText: ErrOffRampFailed.Error(),
			meta:    []string{MetaOnRampID, MetaTxHash, MetaOffRampID},
			failed:  transaction.StatusOffRamping,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, fastConfig(), nil)
			tc.setup(h)

			tx, err := h.svc.InitiatePayment(context.Background(), request(40, "GBP"))
			require.NoError(t, err)
			h.waitFor(t, tx.ID, transaction.StatusFailed)
			h.svc.Wait()

			got, _ := h.svc.GetTransaction(tx.ID)
			assert.Contains(t, got.Error, tc.errText)
			for _, key := range tc.meta {
				_, ok := h.manager.GetMetadata(tx.ID, key)
				assert.True(t, ok, "metadata %s kept", key)
			}

			progress, ok := h.svc.GetPaymentProgress(tx.ID)
			require.True(t, ok)
			assert.Equal(t, transaction.StatusFailed, progress.CurrentStep)
			assert.Equal(t, transaction.Pipeline[:tc.failed.PipelineIndex()], progress.CompletedSteps)
			assert.Equal(t, "Payment failed", progress.Message)
		})
	}
}

func TestOnRampTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.OnRampPoll.MaxAttempts = 3
	h := newHarness(t, cfg, nil)
	h.sim.CompleteAfter = 100

	tx, err := h.svc.InitiatePayment(context.Background(), request(10, "USD"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusFailed)

	got, _ := h.svc.GetTransaction(tx.ID)
	assert.Equal(t, ErrOnRampTimeout.Error(), got.Error)
}

func TestCancelPayment(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	req := request(75, "USD")

	pending := h.seed(t, transaction.StatusPending, req)
	ok, err := h.svc.CancelPayment(pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := h.svc.GetTransaction(pending.ID)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, "cancelled by user", got.Error)

	for _, status := range []transaction.Status{
		transaction.StatusConverting,
		transaction.StatusTransferring,
		transaction.StatusOffRamping,
		transaction.StatusCompleted,
	} {
		tx := h.seed(t, status, req)
		ok, err := h.svc.CancelPayment(tx.ID)
		require.NoError(t, err)
		assert.False(t, ok, "cancel from %s", status)
		current, _ := h.svc.GetTransactionStatus(tx.ID)
		assert.Equal(t, status, current)
	}

	_, err = h.svc.CancelPayment("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelStopsPipeline(t *testing.T) {
	h := newHarness(t, parkedConfig(), nil)
	h.sim.CompleteAfter = 1_000_000

	tx, err := h.svc.InitiatePayment(context.Background(), request(20, "USD"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusOnRamping)

	ok, err := h.svc.CancelPayment(tx.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.svc.Wait()

	status, _ := h.svc.GetTransactionStatus(tx.ID)
	assert.Equal(t, transaction.StatusFailed, status)
	history := h.manager.GetTransactionHistory(tx.ID)
	assert.Equal(t, transaction.StatusFailed, history[len(history)-1].To)
	assert.Equal(t, "cancelled by user", history[len(history)-1].Error)
}

func TestCancelDuringTransferIsRejected(t *testing.T) {
	h := newHarness(t, parkedConfig(), nil)
	h.sim.CompleteAfter = 0
	h.chain.ConfirmationsPerQuery = 0

	tx, err := h.svc.InitiatePayment(context.Background(), request(20, "USD"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusTransferring)

	ok, err := h.svc.CancelPayment(tx.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	h.svc.Close()
	got, _ := h.svc.GetTransaction(tx.ID)
	assert.Equal(t, transaction.StatusFailed, got.Status)
	assert.Equal(t, ErrShuttingDown.Error(), got.Error)

	_, err = h.svc.InitiatePayment(context.Background(), request(1, "USD"))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestInitiateRacingClose(t *testing.T) {
	for range 50 {
		h := newHarness(t, parkedConfig(), nil)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.InitiatePayment(context.Background(), request(10, "USD"))
				if err != nil {
					assert.ErrorIs(t, err, ErrShuttingDown)
				}
			}()
		}
		h.svc.Close()
		wg.Wait()

		// Nothing may still be running once Close has returned.
		for _, tx := range h.svc.GetTransactionHistory() {
			status, ok := h.manager.GetCurrentStatus(tx.ID)
			require.True(t, ok)
			assert.True(t, status.IsTerminal(), "payment %s left in %s", tx.ID, status)
		}
		_, err := h.svc.InitiatePayment(context.Background(), request(1, "USD"))
		require.ErrorIs(t, err, ErrShuttingDown)
	}
}

func TestRetryPayment(t *testing.T) {
	h := newHarness(t, parkedConfig(), nil)
	h.sim.CompleteAfter = 1_000_000

	failed := h.seed(t, transaction.StatusFailed, request(50, "EUR"))
	retried, err := h.svc.RetryPayment(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, transaction.StatusInitiated, retried.Status)
	assert.True(t, decimal.NewFromInt(50).Equal(retried.Amount))
	assert.Equal(t, "EUR", retried.Currency)
	assert.Equal(t, recipient, retried.Recipient)

	original, _ := h.svc.GetTransactionStatus(failed.ID)
	assert.Equal(t, transaction.StatusFailed, original)

	active := h.seed(t, transaction.StatusOnRamping, request(50, "EUR"))
	_, err = h.svc.RetryPayment(context.Background(), active.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.svc.RetryPayment(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProgressForSeededSteps(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	_, ok := h.svc.GetPaymentProgress("missing")
	assert.False(t, ok)

	initiated := h.seed(t, transaction.StatusInitiated, request(5, "USD"))
	p, ok := h.svc.GetPaymentProgress(initiated.ID)
	require.True(t, ok)
	assert.Empty(t, p.CompletedSteps)
	assert.Equal(t, 15, p.EstimatedMinutesRemaining)

	transferring := h.seed(t, transaction.StatusTransferring, request(5, "USD"))
	p, _ = h.svc.GetPaymentProgress(transferring.ID)
	assert.Equal(t, transaction.Pipeline[:4], p.CompletedSteps)
	assert.Equal(t, 7, p.EstimatedMinutesRemaining)

	failedEarly := h.seed(t, transaction.StatusFailed, request(5, "USD"))
	p, _ = h.svc.GetPaymentProgress(failedEarly.ID)
	assert.Empty(t, p.CompletedSteps)
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	first := h.seed(t, transaction.StatusPending, request(1, "USD"))
	h.clock.Advance(time.Minute)
	second := h.seed(t, transaction.StatusPending, request(2, "USD"))

	history := h.svc.GetTransactionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
}

func TestClearTransactionHistory(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	tx, err := h.svc.InitiatePayment(context.Background(), request(10, "USD"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusCompleted)
	h.svc.Wait()

	require.NoError(t, h.svc.ClearTransactionHistory())
	assert.Empty(t, h.svc.GetTransactionHistory())
	_, ok := h.manager.GetCurrentStatus(tx.ID)
	assert.False(t, ok)

	blob, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(blob))
}

func TestCleanupOldTransactions(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)

	done, err := h.svc.InitiatePayment(context.Background(), request(10, "USD"))
	require.NoError(t, err)
	h.waitFor(t, done.ID, transaction.StatusCompleted)
	h.svc.Wait()
	stuck := h.seed(t, transaction.StatusOnRamping, request(10, "USD"))

	assert.Zero(t, h.svc.CleanupOldTransactions(0))

	h.clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, 1, h.svc.CleanupOldTransactions(0))

	_, ok := h.svc.GetTransaction(done.ID)
	assert.False(t, ok)
	_, ok = h.svc.GetTransaction(stuck.ID)
	assert.True(t, ok)
}

func TestHistorySurvivesRestart(t *testing.T) {
	store := persistence.NewMemoryAdapter()
	h := newHarness(t, fastConfig(), store)

	tx, err := h.svc.InitiatePayment(context.Background(), request(99, "JPY"))
	require.NoError(t, err)
	h.waitFor(t, tx.ID, transaction.StatusCompleted)
	h.svc.Close()

	blob, err := store.Load(context.Background())
	require.NoError(t, err)
	var stored []Transaction
	require.NoError(t, json.Unmarshal(blob, &stored))
	require.Len(t, stored, 1)

	restarted := newHarness(t, fastConfig(), store)
	got, ok := restarted.svc.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, transaction.StatusCompleted, got.Status)
	assert.Equal(t, "JPY", got.Currency)
	assert.NotEmpty(t, got.TxHash)
}

func TestCorruptHistoryStartsEmpty(t *testing.T) {
	h := newHarness(t, fastConfig(), persistence.NewMemoryAdapterWith([]byte("{not json")))
	assert.Empty(t, h.svc.GetTransactionHistory())
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), Dependencies{}, fastConfig())
	require.Error(t, err)
}
