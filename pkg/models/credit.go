package models

import "time"

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionUsage    TransactionType = "USAGE"
	TransactionRefund   TransactionType = "REFUND"
)

// CreditTransaction is an append-only ledger entry. Amount is signed:
// purchases and refunds are positive, usage is negative.
type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	JobID       string          `json:"job_id,omitempty"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}
