package bank

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrEntryNotFound = errors.New("ledger entry not found")

// Entry is one settled transfer
type Entry struct {
	RequestID     string
	TransactionID string
	Command       string
	FromAccount   string
	ToAccount     string
	Amount        decimal.Decimal
	Currency      string
	Status        TransferStatus
	Message       string
	ProcessedTime time.Time
}

// Response returns the reply the entry was settled with
func (e Entry) Response() TransferResponse {
	return TransferResponse{
		RequestID:     e.RequestID,
		TransactionID: e.TransactionID,
		Status:        e.Status,
		Message:       e.Message,
		ProcessedTime: e.ProcessedTime,
	}
}

// Ledger stores settled transfers, at most one per request id
type Ledger interface {
	// Record stores e unless an entry with the same RequestID exists. It returns
	// the stored entry and whether it was created by this call.
	Record(ctx context.Context, e Entry) (Entry, bool, error)

	// Get returns the entry for a request id or ErrEntryNotFound
	Get(ctx context.Context, requestID string) (Entry, error)
}

// MemoryLedger is an in-process Ledger
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[e.RequestID]; ok {
		return existing, false, nil
	}
	l.entries[e.RequestID] = e
	return e, true, nil
}

func (l *MemoryLedger) Get(ctx context.Context, requestID string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[requestID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

// Len returns the number of entries
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
