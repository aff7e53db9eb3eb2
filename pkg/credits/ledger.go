// Package credits prices mix jobs and keeps the credit ledger.
package credits

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/reelmix/reelmix/pkg/logging"
	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
)

// DefaultBasePerOutput is the credit price of one plain output
const DefaultBasePerOutput = 10

// Quote is the price of a number of outputs under given settings
type Quote struct {
	PerOutput  int64   `json:"per_output"`
	Total      int64   `json:"total"`
	Multiplier float64 `json:"multiplier"`
	Count      int     `json:"count"`
}

// Multiplier returns the price factor for the work a settings value implies
func Multiplier(s *models.MixSettings) float64 {
	m := 1.0

	switch s.Resolution {
	case "1440p":
		m += 0.25
	case "2160p":
		m += 0.5
	}
	switch s.Bitrate {
	case "high":
		m += 0.25
	case "ultra":
		m += 0.5
	}
	if s.SpeedMixing {
		m += 0.25
	}
	if s.DurationType == models.DurationFixed {
		m += 0.25
		if s.SmartTrim {
			m += 0.1
		}
	}
	if s.HasTransition() {
		m += 0.1
	}
	return m
}

// Estimate prices count outputs. Total never decreases as count grows.
func Estimate(base int64, count int, s *models.MixSettings) Quote {
	if base <= 0 {
		base = DefaultBasePerOutput
	}
	if count < 0 {
		count = 0
	}
	m := Multiplier(s)
	// Rounded to 6 places first so 10*1.1 prices at 11, not 12
	perOutput := int64(math.Ceil(math.Round(float64(base)*m*1e6) / 1e6))
	return Quote{
		PerOutput:  perOutput,
		Total:      perOutput * int64(count),
		Multiplier: m,
		Count:      count,
	}
}

// Ledger admits jobs against user balances and settles refunds
type Ledger struct {
	store  store.LedgerStore
	base   int64
	logger *logging.Logger
	now    func() time.Time
}

// NewLedger creates a ledger over a ledger store
func NewLedger(st store.LedgerStore, basePerOutput int64, logger *logging.Logger) *Ledger {
	if basePerOutput <= 0 {
		basePerOutput = DefaultBasePerOutput
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Ledger{store: st, base: basePerOutput, logger: logger, now: time.Now}
}

// Estimate prices count outputs with the ledger's base price
func (l *Ledger) Estimate(count int, s *models.MixSettings) Quote {
	return Estimate(l.base, count, s)
}

// Balance returns the user's current balance
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// Reserve debits amount from the user for a job
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount int64) (*models.CreditTransaction, error) {
	if amount < 0 {
		return nil, mixerr.Newf(mixerr.KindInternal, "reserve", "negative reservation %d", amount)
	}
	txn, err := l.store.Reserve(ctx, store.Reservation{
		UserID:      userID,
		JobID:       jobID,
		Amount:      amount,
		Description: fmt.Sprintf("reserved for job %s", jobID),
		At:          l.now(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Credits reserved", map[string]interface{}{"user_id": userID, "job_id": jobID, "amount": amount})
	return txn, nil
}

// ReserveJob debits job.CreditsReserved and persists the job in the same
// atomic step. On InsufficientCredits neither happens.
func (l *Ledger) ReserveJob(ctx context.Context, job *models.Job) (*models.CreditTransaction, error) {
	txn, err := l.store.Reserve(ctx, store.Reservation{
		UserID:      job.UserID,
		JobID:       job.ID,
		Amount:      job.CreditsReserved,
		Description: fmt.Sprintf("%d outputs at %d credits", job.PlannedOutputs, job.CreditsPerOutput),
		Job:         job,
		At:          l.now(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Credits reserved", map[string]interface{}{
		"user_id": job.UserID,
		"job_id":  job.ID,
		"amount":  job.CreditsReserved,
	})
	return txn, nil
}

// Settle refunds the unproduced outputs of a terminal job. Repeated calls
// refund nothing further.
func (l *Ledger) Settle(ctx context.Context, jobID string) (int64, error) {
	refund, err := l.store.Settle(ctx, jobID, l.now())
	if err != nil {
		return 0, err
	}
	if refund > 0 {
		l.logger.Info("Credits refunded", map[string]interface{}{"job_id": jobID, "amount": refund})
	}
	return refund, nil
}

// Purchase adds credits to a user's balance
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int64, description string) (*models.CreditTransaction, error) {
	if description == "" {
		description = fmt.Sprintf("purchase of %d credits", amount)
	}
	return l.store.Purchase(ctx, userID, amount, description, l.now())
}

// Transactions lists a user's ledger entries
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, userID)
}
