package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"payrails/internal/persistence"
	"payrails/internal/poll"
)

// DefaultRetention is how long completed transactions are kept before
// CleanupOldTransactions removes them.
const DefaultRetention = 7 * 24 * time.Hour

const saveTimeout = 5 * time.Second

// Config tunes retry and stuck detection.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	RetryableStatuses []Status
	StuckThreshold    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		RetryableStatuses: []Status{StatusFailed, StatusPending},
		StuckThreshold:    30 * time.Minute,
	}
}

// StatusChangeFunc observes successful status changes. It runs synchronously
// while the transaction id is locked, so it must not mutate the same id.
type StatusChangeFunc func(id string, from, to Status)

// CallbackID identifies a registered StatusChangeFunc.
type CallbackID uint64

type callbackEntry struct {
	id CallbackID
	fn StatusChangeFunc
}

// Statistics summarises the tracked transactions.
type Statistics struct {
	ByStatus    map[Status]int `json:"byStatus"`
	Total       int            `json:"total"`
	Problematic int            `json:"problematic"`
	Retryable   int            `json:"retryable"`
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now, used for stuck and retention checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns every TransactionState, validates and records transitions,
// persists after each mutation and fans out status changes to observers.
type Manager struct {
	cfg     Config
	adapter persistence.Adapter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	states map[string]*State

	idMu    sync.Mutex
	idLocks map[string]*sync.Mutex

	saveMu sync.Mutex

	cbMu      sync.RWMutex
	callbacks []callbackEntry
	nextCBID  CallbackID
}

// NewManager builds a Manager and loads previously persisted states. Load
// failures and corrupt data are logged and treated as an empty store.
func NewManager(ctx context.Context, adapter persistence.Adapter, cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if len(cfg.RetryableStatuses) == 0 {
		cfg.RetryableStatuses = defaults.RetryableStatuses
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaults.StuckThreshold
	}

	m := &Manager{
		cfg:     cfg,
		adapter: adapter,
		logger:  slog.Default(),
		now:     time.Now,
		states:  make(map[string]*State),
		idLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load(ctx)
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) load(ctx context.Context) {
	blob, err := m.adapter.Load(ctx)
	if err != nil {
		m.logger.Warn("could not load transaction states, starting empty", "error", err)
		return
	}
	if len(blob) == 0 {
		return
	}

	var stored map[string]*State
	if err := json.Unmarshal(blob, &stored); err != nil {
		m.logger.Warn("stored transaction states are corrupt, starting empty", "error", err)
		return
	}

	for id, st := range stored {
		if st == nil {
			continue
		}
		if st.ID == "" {
			st.ID = id
		}
		if err := st.consistent(); err != nil {
			m.logger.Warn("dropping inconsistent transaction state", "id", id, "error", err)
			continue
		}
		m.states[id] = st
	}
	m.logger.Info("loaded transaction states", "count", len(m.states))
}

// persist writes the full map. Saves are serialized so a later snapshot can
// never be overwritten by an earlier one.
func (m *Manager) persist() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	blob, err := json.Marshal(m.states)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("marshal transaction states", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.adapter.Save(ctx, blob); err != nil {
		m.logger.Error("persist transaction states", "error", err)
	}
}

func (m *Manager) lockID(id string) func() {
	m.idMu.Lock()
	l, ok := m.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.idLocks[id] = l
	}
	m.idMu.Unlock()

	l.Lock()
	return l.Unlock
}

// InitializeTransaction creates the state for id with a synthetic first
// transition initial -> initial.
func (m *Manager) InitializeTransaction(id string, initial Status) (*State, error) {
	if initial == "" {
		initial = StatusInitiated
	}
	unlock := m.lockID(id)
	defer unlock()

	m.mu.Lock()
	if _, exists := m.states[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	st := &State{
		ID:            id,
		CurrentStatus: initial,
		Transitions: []StateTransition{{
			From:      initial,
			To:        initial,
			Timestamp: m.now(),
			Reason:    "transaction initialized",
		}},
		MaxRetries: m.cfg.MaxRetries,
		Metadata:   map[string]string{},
	}
	m.states[id] = st
	out := st.clone()
	m.mu.Unlock()

	m.persist()
	return out, nil
}

// TransitionTo moves id to the given status. An edge missing from the
// transition table is a soft rejection: false with a nil error.
func (m *Manager) TransitionTo(id string, to Status, reason string) (bool, error) {
	return m.transition(id, nil, to, reason)
}

// CompareAndTransition is TransitionTo that only applies while id is still in
// status expected. A mismatch is a soft rejection like an invalid edge.
func (m *Manager) CompareAndTransition(id string, expected, to Status, reason string) (bool, error) {
	return m.transition(id, &expected, to, reason)
}

func (m *Manager) transition(id string, expected *Status, to Status, reason string) (bool, error) {
	unlock := m.lockID(id)
	defer unlock()

	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := st.CurrentStatus
	if expected != nil && *expected != from {
		m.mu.Unlock()
		m.logger.Debug("status changed underneath transition", "id", id, "expected", *expected, "actual", from, "to", to)
		return false, nil
	}
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		m.logger.Debug("rejected status transition", "id", id, "from", from, "to", to)
		return false, nil
	}
	st.append(to, m.now(), reason, "")
	m.mu.Unlock()

	m.persist()
	m.notify(id, from, to)
	return true, nil
}

// MarkAsFailed moves id to FAILED from whatever status it is in.
func (m *Manager) MarkAsFailed(id, errMsg, reason string) error {
	_, err := m.fail(id, nil, errMsg, reason)
	return err
}

// MarkAsFailedFrom fails id only when its current status is one of allowed,
// checking and mutating under the same lock.
func (m *Manager) MarkAsFailedFrom(id string, allowed []Status, errMsg, reason string) (bool, error) {
	return m.fail(id, allowed, errMsg, reason)
}

func (m *Manager) fail(id string, allowed []Status, errMsg, reason string) (bool, error) {
	unlock := m.lockID(id)
	defer unlock()

	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := st.CurrentStatus
	if allowed != nil && !slices.Contains(allowed, from) {
		m.mu.Unlock()
		return false, nil
	}
	if reason == "" {
		reason = "transaction failed"
	}
	st.LastError = errMsg
	st.append(StatusFailed, m.now(), reason, errMsg)
	m.mu.Unlock()

	m.persist()
	m.notify(id, from, StatusFailed)
	return true, nil
}

func (m *Manager) canRetry(st *State) bool {
	return slices.Contains(m.cfg.RetryableStatuses, st.CurrentStatus) && st.RetryCount < st.MaxRetries
}

// CanRetry reports whether id is in a retryable status with retries left.
func (m *Manager) CanRetry(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return false
	}
	return m.canRetry(st)
}

// RetryDelay is BaseDelay * BackoffMultiplier^(attempt-1).
func (m *Manager) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(m.cfg.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(m.cfg.BaseDelay) * factor)
}

// RetryTransaction consumes one retry, waits the backoff delay and moves id
// back to PENDING. The wait ends early with ctx's error when ctx is done.
func (m *Manager) RetryTransaction(ctx context.Context, id, reason string) (bool, error) {
	unlock := m.lockID(id)
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok || !m.canRetry(st) {
		m.mu.Unlock()
		unlock()
		return false, nil
	}
	st.RetryCount++
	attempt := st.RetryCount
	m.mu.Unlock()
	m.persist()
	unlock()

	delay := m.RetryDelay(attempt)
	m.logger.Info("retrying transaction", "id", id, "attempt", attempt, "delay", delay)
	if err := poll.Sleep(ctx, delay); err != nil {
		return false, err
	}

	if reason == "" {
		reason = fmt.Sprintf("retry attempt %d", attempt)
	}
	return m.TransitionTo(id, StatusPending, reason)
}

// GetTransactionState returns a copy of the state, or nil for unknown ids.
func (m *Manager) GetTransactionState(id string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil
	}
	return st.clone()
}

func (m *Manager) GetCurrentStatus(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return "", false
	}
	return st.CurrentStatus, true
}

// GetTransactionHistory returns the transition log, or nil for unknown ids.
func (m *Manager) GetTransactionHistory(id string) []StateTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil
	}
	return append([]StateTransition(nil), st.Transitions...)
}

func (m *Manager) SetMetadata(id, key, value string) error {
	m.mu.Lock()
	st, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st.Metadata == nil {
		st.Metadata = map[string]string{}
	}
	st.Metadata[key] = value
	m.mu.Unlock()

	m.persist()
	return nil
}

func (m *Manager) GetMetadata(id, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return "", false
	}
	v, ok := st.Metadata[key]
	return v, ok
}

// GetAllMetadata returns a copy of the metadata map, nil for unknown ids.
func (m *Manager) GetAllMetadata(id string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(st.Metadata))
	for k, v := range st.Metadata {
		out[k] = v
	}
	return out
}

// OnStatusChange registers fn. Observers run in registration order.
func (m *Manager) OnStatusChange(fn StatusChangeFunc) CallbackID {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCBID++
	m.callbacks = append(m.callbacks, callbackEntry{id: m.nextCBID, fn: fn})
	return m.nextCBID
}

func (m *Manager) RemoveStatusChangeCallback(id CallbackID) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = slices.Delete(m.callbacks, i, i+1)
			return true
		}
	}
	return false
}

func (m *Manager) notify(id string, from, to Status) {
	m.cbMu.RLock()
	cbs := slices.Clone(m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		m.invoke(cb, id, from, to)
	}
}

func (m *Manager) invoke(cb callbackEntry, id string, from, to Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status change callback panicked",
				"callback", cb.id, "id", id, "from", from, "to", to, "panic", r)
		}
	}()
	cb.fn(id, from, to)
}

func (m *Manager) GetTransactionsByStatus(status Status) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := []string{}
	for id, st := range m.states {
		if st.CurrentStatus == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetProblematicTransactions lists FAILED transactions and in-flight ones
// whose last transition is older than the stuck threshold.
func (m *Manager) GetProblematicTransactions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.problematicLocked(m.now())
}

func (m *Manager) problematicLocked(now time.Time) []string {
	ids := []string{}
	for id, st := range m.states {
		if m.isProblematic(st, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) isProblematic(st *State, now time.Time) bool {
	if st.CurrentStatus == StatusFailed {
		return true
	}
	return st.CurrentStatus.IsInFlight() && now.Sub(st.LastTransitionAt()) > m.cfg.StuckThreshold
}

// CleanupOldTransactions removes COMPLETED transactions whose last transition
// is older than maxAge. FAILED and in-flight transactions are always kept.
func (m *Manager) CleanupOldTransactions(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}

	m.mu.Lock()
	now := m.now()
	var removed []string
	for id, st := range m.states {
		if st.CurrentStatus != StatusCompleted {
			continue
		}
		if now.Sub(st.LastTransitionAt()) > maxAge {
			delete(m.states, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	m.dropLocks(removed...)
	m.persist()
	m.logger.Info("cleaned up completed transactions", "count", len(removed))
	return len(removed)
}

func (m *Manager) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{ByStatus: make(map[Status]int, len(validTransitions))}
	for _, s := range AllStatuses() {
		stats.ByStatus[s] = 0
	}
	now := m.now()
	for _, st := range m.states {
		stats.ByStatus[st.CurrentStatus]++
		stats.Total++
		if m.isProblematic(st, now) {
			stats.Problematic++
		}
		if m.canRetry(st) {
			stats.Retryable++
		}
	}
	return stats
}

// Remove deletes the state for id. It reports whether one existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	_, ok := m.states[id]
	delete(m.states, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.dropLocks(id)
	m.persist()
	return true
}

// Clear deletes every state.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.states = make(map[string]*State)
	m.mu.Unlock()

	m.idMu.Lock()
	m.idLocks = make(map[string]*sync.Mutex)
	m.idMu.Unlock()

	m.persist()
}

func (m *Manager) dropLocks(ids ...string) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	for _, id := range ids {
		delete(m.idLocks, id)
	}
}
