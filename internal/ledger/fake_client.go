package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// FakeClient emulates a chain in memory. Transfer hashes are derived from the
// payload and every status query adds ConfirmationsPerQuery confirmations.
type FakeClient struct {
	ConfirmationsPerQuery uint64
	// FailTransfers makes every transfer report failed on its first query.
	FailTransfers bool

	mu        sync.Mutex
	nonce     uint64
	transfers map[string]*fakeTransfer
}

type fakeTransfer struct {
	to            string
	amount        decimal.Decimal
	confirmations uint64
	failed        bool
}

func NewFakeClient() *FakeClient {
	return &FakeClient{ConfirmationsPerQuery: 1, transfers: make(map[string]*fakeTransfer)}
}

func (f *FakeClient) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (f *FakeClient) SendFunds(_ context.Context, to string, amount decimal.Decimal) (SendResult, error) {
	if !f.ValidateAddress(to) {
		return SendResult{}, ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return SendResult{}, fmt.Errorf("amount must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transfers == nil {
		f.transfers = make(map[string]*fakeTransfer)
	}
	f.nonce++
	hash := fakeHash(to + amount.String() + strconv.FormatUint(f.nonce, 10))
	f.transfers[hash] = &fakeTransfer{to: to, amount: amount, failed: f.FailTransfers}
	return SendResult{Hash: hash, Status: StatePending}, nil
}

func (f *FakeClient) GetTransferStatus(_ context.Context, hash string) (TransferStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.transfers[hash]
	if !ok {
		return TransferStatus{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, hash)
	}
	if tr.failed {
		return TransferStatus{Status: StateFailed}, nil
	}
	tr.confirmations += f.ConfirmationsPerQuery
	status := StatePending
	if tr.confirmations > 0 {
		status = StateConfirmed
	}
	return TransferStatus{Status: status, Confirmations: tr.confirmations}, nil
}

// Ping always succeeds.
func (f *FakeClient) Ping(context.Context) error {
	return nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
