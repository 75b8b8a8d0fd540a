// Package bank is the demo responder: it settles deposit and withdrawal
// requests and records them in a ledger keyed by request id.
package bank

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the outcome of a transfer
type TransferStatus string

const (
	StatusSuccess TransferStatus = "SUCCESS"
	StatusFailed  TransferStatus = "FAILED"
	StatusPending TransferStatus = "PENDING"
)

// TransferRequest is the payload of REQUEST_DEPOSIT and REQUEST_WITHDRAW.
// RequestID makes the request idempotent.
type TransferRequest struct {
	RequestID   string          `json:"requestId"`
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	RequestTime time.Time       `json:"requestTime"`
}

// TransferResponse is the bank's answer to a TransferRequest
type TransferResponse struct {
	RequestID     string         `json:"requestId"`
	TransactionID string         `json:"transactionId,omitempty"`
	Status        TransferStatus `json:"status"`
	Message       string         `json:"message"`
	ProcessedTime time.Time      `json:"processedTime"`
}

// Failed builds a FAILED response for the request
func Failed(requestID, message string, now time.Time) TransferResponse {
	return TransferResponse{
		RequestID:     requestID,
		Status:        StatusFailed,
		Message:       message,
		ProcessedTime: now,
	}
}
