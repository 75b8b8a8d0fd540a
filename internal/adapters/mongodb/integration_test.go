//go:build integration

package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bank"
)

func TestLedger_RecordIsIdempotent(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	db := "mmate_test_" + uuid.NewString()[:8]
	defer func() {
		_ = client.Database(db).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}()

	ledger := NewLedger(client, db, DefaultCollection)
	require.NoError(t, ledger.Ping(ctx))

	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, bank.ErrEntryNotFound)

	entry := bank.Entry{
		RequestID:     "r-1",
		TransactionID: "tx-1",
		Amount:        decimal.RequireFromString("10.50"),
		Currency:      "EUR",
		Status:        bank.StatusSuccess,
		ProcessedTime: time.Now().UTC().Truncate(time.Millisecond),
	}
	stored, created, err := ledger.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "tx-1", stored.TransactionID)

	dup := entry
	dup.TransactionID = "tx-2"
	stored, created, err = ledger.Record(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tx-1", stored.TransactionID)
	assert.True(t, stored.Amount.Equal(entry.Amount))
}
