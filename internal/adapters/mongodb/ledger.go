package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/mmate-rpc/bank"
)

const DefaultCollection = "transfers"

type EntryBSON struct {
	RequestID     string          `bson:"_id"`
	TransactionID string          `bson:"transactionId"`
	Command       string          `bson:"cmd"`
	FromAccount   string          `bson:"fromAccount"`
	ToAccount     string          `bson:"toAccount"`
	Amount        bson.Decimal128 `bson:"amount"`
	Currency      string          `bson:"currency"`
	Status        string          `bson:"status"`
	Message       string          `bson:"message"`
	ProcessedTime time.Time       `bson:"processedTime"`
}

// Ledger is a bank.Ledger backed by a MongoDB collection keyed by request id
type Ledger struct {
	client         *mongo.Client
	dbName         string
	collectionName string
}

func NewLedger(client *mongo.Client, dbName string, collectionName string) *Ledger {
	return &Ledger{client: client, dbName: dbName, collectionName: collectionName}
}

// Connect opens a client for uri and verifies it with a ping
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

func (l *Ledger) collection() *mongo.Collection {
	return l.client.Database(l.dbName).Collection(l.collectionName)
}

// Record inserts e. When the request id is already stored the existing entry
// is returned instead.
func (l *Ledger) Record(ctx context.Context, e bank.Entry) (bank.Entry, bool, error) {
	doc, err := toBSON(e)
	if err != nil {
		return bank.Entry{}, false, err
	}

	_, err = l.collection().InsertOne(ctx, doc)
	if err == nil {
		return e, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return bank.Entry{}, false, fmt.Errorf("failed to save transfer: %w", err)
	}

	existing, err := l.Get(ctx, e.RequestID)
	if err != nil {
		return bank.Entry{}, false, err
	}
	return existing, false, nil
}

// Get returns the entry stored for requestID
func (l *Ledger) Get(ctx context.Context, requestID string) (bank.Entry, error) {
	result := l.collection().FindOne(ctx, bson.M{"_id": requestID})
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bank.Entry{}, bank.ErrEntryNotFound
		}
		return bank.Entry{}, fmt.Errorf("failed finding transfer with request id %s: %w", requestID, err)
	}

	var doc EntryBSON
	if err := result.Decode(&doc); err != nil {
		return bank.Entry{}, fmt.Errorf("failed decoding mongodb result: %w", err)
	}
	return fromBSON(doc)
}

// Ping checks the server is reachable
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx, nil)
}

func toBSON(e bank.Entry) (EntryBSON, error) {
	amount, err := bson.ParseDecimal128(e.Amount.String())
	if err != nil {
		return EntryBSON{}, fmt.Errorf("invalid amount %s: %w", e.Amount, err)
	}
	return EntryBSON{
		RequestID:     e.RequestID,
		TransactionID: e.TransactionID,
		Command:       e.Command,
		FromAccount:   e.FromAccount,
		ToAccount:     e.ToAccount,
		Amount:        amount,
		Currency:      e.Currency,
		Status:        string(e.Status),
		Message:       e.Message,
		ProcessedTime: e.ProcessedTime.UTC(),
	}, nil
}

func fromBSON(doc EntryBSON) (bank.Entry, error) {
	amount, err := decimal.NewFromString(doc.Amount.String())
	if err != nil {
		return bank.Entry{}, fmt.Errorf("invalid stored amount for %s: %w", doc.RequestID, err)
	}
	return bank.Entry{
		RequestID:     doc.RequestID,
		TransactionID: doc.TransactionID,
		Command:       doc.Command,
		FromAccount:   doc.FromAccount,
		ToAccount:     doc.ToAccount,
		Amount:        amount,
		Currency:      doc.Currency,
		Status:        bank.TransferStatus(doc.Status),
		Message:       doc.Message,
		ProcessedTime: doc.ProcessedTime,
	}, nil
}
