package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/retry"
)

// dialect captures the differences between the SQL backends
type dialect struct {
	name         string
	numbered     bool   // $1, $2 placeholders instead of ?
	forUpdate    string // row lock suffix for SELECTs inside a transaction
	skipLocked   string // suffix letting concurrent claimers skip locked rows
	createSchema string
}

// sqlStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound for the dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

const jobColumns = `id, user_id, project_id, settings, status, progress, requested_outputs,
	planned_outputs, completed_plans, succeeded_plans, failed_plans, credits_per_output,
	credits_reserved, credits_refunded, settled, cancel_requested, created_at, started_at,
	completed_at, error, state_transitions, claimed_by, claimed_at`

const outputColumns = `id, job_id, plan_index, path, filename, format, content_type, duration,
	size_bytes, metadata, created_at`

const transactionColumns = `id, user_id, job_id, amount, type, description, created_at`

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema() error {
	_, err := s.db.Exec(s.dialect.createSchema)
	return err
}

// txRetry retries transactions that hit lock contention or a dropped
// connection; fn runs again from a fresh transaction
var txRetry = retry.Config{
	MaxRetries:     3,
	InitialBackoff: 25 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Multiplier:     2.0,
	RetryIf:        func(_ int, err error) bool { return retry.IsRetryable(err) },
}

// withTx runs fn inside a transaction, committing when it returns nil
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, txRetry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var settingsJSON, transitionsJSON string
	var status string
	var startedAt, completedAt, claimedAt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(&job.ID, &job.UserID, &job.ProjectID, &settingsJSON, &status, &job.Progress,
		&job.RequestedOutputs, &job.PlannedOutputs, &job.CompletedPlans, &job.SucceededPlans,
		&job.FailedPlans, &job.CreditsPerOutput, &job.CreditsReserved, &job.CreditsRefunded,
		&job.Settled, &job.CancelRequested, &job.CreatedAt, &startedAt, &completedAt, &errMsg,
		&transitionsJSON, &job.ClaimedBy, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if err := json.Unmarshal([]byte(settingsJSON), &job.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state transitions: %w", err)
		}
	}
	return &job, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *sqlStore) insertJob(ctx context.Context, db execer, job *models.Job) error {
	settings, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state transitions: %w", err)
	}

	_, err = db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.UserID, job.ProjectID, string(settings), string(job.Status), job.Progress,
		job.RequestedOutputs, job.PlannedOutputs, job.CompletedPlans, job.SucceededPlans,
		job.FailedPlans, job.CreditsPerOutput, job.CreditsReserved, job.CreditsRefunded,
		job.Settled, job.CancelRequested, job.CreatedAt, job.StartedAt, job.CompletedAt,
		job.Error, string(transitions), job.ClaimedBy, job.ClaimedAt)
	return err
}

// CreateJob inserts a new job
func (s *sqlStore) CreateJob(ctx context.Context, job *models.Job) error {
	return s.insertJob(ctx, s.db, job)
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

// ListJobs returns matching jobs, oldest first
func (s *sqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextPending claims the oldest pending job without a live claim
func (s *sqlStore) ClaimNextPending(ctx context.Context, workerID string, staleBefore time.Time) (*models.Job, error) {
	var claimed *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT id FROM jobs
			WHERE status = ? AND cancel_requested = ?
			AND (claimed_by = '' OR claimed_at IS NULL OR claimed_at < ?)
			ORDER BY created_at, id
			LIMIT 1`+s.dialect.forUpdate+s.dialect.skipLocked),
			string(models.JobStatusPending), false, staleBefore.UTC()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoPendingJobs
		}
		if err != nil {
			return fmt.Errorf("select pending job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET claimed_by = ?, claimed_at = ? WHERE id = ?`),
			workerID, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		claimed, err = scanJob(tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimJob claims a pending job for workerID
func (s *sqlStore) ClaimJob(ctx context.Context, id, workerID string, staleBefore time.Time) (*models.Job, error) {
	var result *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkClaimable(job, workerID, staleBefore); err != nil {
			return err
		}
		if job.Status == models.JobStatusPending {
			claim(job, workerID, time.Now())
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE jobs SET claimed_by = ?, claimed_at = ? WHERE id = ?`),
				job.ClaimedBy, job.ClaimedAt, id); err != nil {
				return fmt.Errorf("claim job: %w", err)
			}
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenewClaims refreshes the claims workerID holds on unfinished jobs
func (s *sqlStore) RenewClaims(ctx context.Context, workerID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET claimed_at = ?
		WHERE claimed_by = ? AND status IN (?, ?)`),
		at.UTC(), workerID, string(models.JobStatusPending), string(models.JobStatusProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseClaims clears claims on pending jobs that no live worker holds
func (s *sqlStore) ReleaseClaims(ctx context.Context, self string, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET claimed_by = '', claimed_at = NULL
		WHERE status = ? AND claimed_by <> ''
		AND (claimed_by = ? OR claimed_at IS NULL OR claimed_at < ?)`),
		string(models.JobStatusPending), self, staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// FailAbandoned fails processing jobs that no live worker claims. The
// candidates are locked so a worker renewing concurrently waits for the
// sweep to finish.
func (s *sqlStore) FailAbandoned(ctx context.Context, self string, staleBefore time.Time, reason, errMsg string) ([]*models.Job, error) {
	var failed []*models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		failed = nil
		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, id`+s.dialect.forUpdate),
			string(models.JobStatusProcessing))
		if err != nil {
			return fmt.Errorf("select processing jobs: %w", err)
		}
		var candidates []*models.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range candidates {
			if job.ClaimLive(self, staleBefore) {
				continue
			}
			if err := s.transitionTx(ctx, tx, job, models.JobStatusFailed, reason, errMsg); err != nil {
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				return err
			}
			failed = append(failed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// lockJob reads a job inside tx, holding a row lock where the dialect has one
func (s *sqlStore) lockJob(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.dialect.forUpdate), id)
	return scanJob(row)
}

// transitionTx applies a validated transition to a job locked in tx
func (s *sqlStore) transitionTx(ctx context.Context, tx *sql.Tx, job *models.Job, to models.JobStatus, reason, errMsg string) error {
	if err := job.Transition(to, reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if errMsg != "" {
		job.Error = errMsg
	}

	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET status = ?, progress = ?, started_at = ?, completed_at = ?, error = ?, state_transitions = ?
		WHERE id = ?`),
		string(job.Status), job.Progress, job.StartedAt, job.CompletedAt, job.Error, string(transitions), job.ID)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return nil
}

// TransitionJob performs a validated state transition with idempotency
func (s *sqlStore) TransitionJob(ctx context.Context, id string, to models.JobStatus, reason, errMsg string) (*models.Job, error) {
	var result *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		// Idempotency: if already in target state, no-op
		if job.Status == to {
			result = job
			return nil
		}
		if err := s.transitionTx(ctx, tx, job, to, reason, errMsg); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordPlanResult stores a plan's outcome and counts it in one
// transaction. Nothing is written for a job that already ended.
func (s *sqlStore) RecordPlanResult(ctx context.Context, id string, result PlanResult) (*models.Job, error) {
	var updated *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if models.IsTerminalState(job.Status) {
			return ErrJobEnded
		}
		if result.Output != nil {
			if err := s.insertOutput(ctx, tx, result.Output); err != nil {
				return fmt.Errorf("insert output: %w", err)
			}
		}
		if result.Failure != nil {
			if err := s.insertPlanFailure(ctx, tx, result.Failure); err != nil {
				return fmt.Errorf("insert plan failure: %w", err)
			}
		}
		applyPlanResult(job, result.Succeeded)

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs
			SET completed_plans = ?, succeeded_plans = ?, failed_plans = ?, progress = ?
			WHERE id = ?`),
			job.CompletedPlans, job.SucceededPlans, job.FailedPlans, job.Progress, id)
		if err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RequestCancel flags the job for cancellation
func (s *sqlStore) RequestCancel(ctx context.Context, id string) (*models.Job, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET cancel_requested = ?
		WHERE id = ? AND status IN (?, ?)`),
		true, id, string(models.JobStatusPending), string(models.JobStatusProcessing))
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// Output operations

func scanOutput(row rowScanner) (*models.Output, error) {
	var out models.Output
	var metadataJSON string
	err := row.Scan(&out.ID, &out.JobID, &out.PlanIndex, &out.Path, &out.Filename, &out.Format,
		&out.ContentType, &out.Duration, &out.SizeBytes, &metadataJSON, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutputNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &out.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output metadata: %w", err)
	}
	return &out, nil
}

// SaveOutput registers a produced output of an unfinished job
func (s *sqlStore) SaveOutput(ctx context.Context, out *models.Output) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, out.JobID)
		if err != nil {
			return err
		}
		if models.IsTerminalState(job.Status) {
			return ErrJobEnded
		}
		return s.insertOutput(ctx, tx, out)
	})
}

func (s *sqlStore) insertOutput(ctx context.Context, db execer, out *models.Output) error {
	metadata, err := json.Marshal(out.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal output metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, s.rebind(`
		INSERT INTO outputs (`+outputColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		out.ID, out.JobID, out.PlanIndex, out.Path, out.Filename, out.Format, out.ContentType,
		out.Duration, out.SizeBytes, string(metadata), out.CreatedAt)
	return err
}

// GetOutput retrieves an output by ID
func (s *sqlStore) GetOutput(ctx context.Context, id string) (*models.Output, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+outputColumns+` FROM outputs WHERE id = ?`), id)
	return scanOutput(row)
}

// ListOutputs returns the outputs of a job in plan order
func (s *sqlStore) ListOutputs(ctx context.Context, jobID string) ([]*models.Output, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+outputColumns+` FROM outputs WHERE job_id = ? ORDER BY plan_index`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*models.Output
	for rows.Next() {
		out, err := scanOutput(rows)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// SavePlanFailure records a failed plan
func (s *sqlStore) SavePlanFailure(ctx context.Context, f *models.PlanFailure) error {
	return s.insertPlanFailure(ctx, s.db, f)
}

func (s *sqlStore) insertPlanFailure(ctx context.Context, db execer, f *models.PlanFailure) error {
	_, err := db.ExecContext(ctx, s.rebind(`
		INSERT INTO plan_failures (job_id, plan_index, kind, message, attempts, diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.JobID, f.PlanIndex, f.Kind, f.Message, f.Attempts, f.Diagnostics, f.CreatedAt)
	return err
}

// ListPlanFailures returns the failures of a job in plan order
func (s *sqlStore) ListPlanFailures(ctx context.Context, jobID string) ([]*models.PlanFailure, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT job_id, plan_index, kind, message, attempts, diagnostics, created_at
		FROM plan_failures WHERE job_id = ? ORDER BY plan_index`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*models.PlanFailure
	for rows.Next() {
		var f models.PlanFailure
		if err := rows.Scan(&f.JobID, &f.PlanIndex, &f.Kind, &f.Message, &f.Attempts,
			&f.Diagnostics, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}

// Ledger operations

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *sqlStore) balance(ctx context.Context, db queryer, userID string) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, s.rebind(`SELECT balance FROM balances WHERE user_id = ?`), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// GetBalance returns the user's balance; unknown users have 0
func (s *sqlStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.balance(ctx, s.db, userID)
}

func (s *sqlStore) insertTransaction(ctx context.Context, tx *sql.Tx, t *models.CreditTransaction) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.JobID, t.Amount, string(t.Type), t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

// Reserve debits credits with a conditional update, so the balance can
// never go negative regardless of concurrent reservations.
func (s *sqlStore) Reserve(ctx context.Context, r Reservation) (*models.CreditTransaction, error) {
	txn := newTransaction(r.UserID, r.JobID, -r.Amount, models.TransactionUsage, r.Description, r.At)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE balances SET balance = balance - ?, updated_at = ?
			WHERE user_id = ? AND balance >= ?`),
			r.Amount, txn.CreatedAt, r.UserID, r.Amount)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			balance, err := s.balance(ctx, tx, r.UserID)
			if err != nil {
				return err
			}
			return insufficientCredits(balance, r.Amount)
		}

		if err := s.insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if r.Job != nil {
			if err := s.insertJob(ctx, tx, r.Job); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Settle refunds the unproduced plans of a terminal job once. The settled
// flag and the refund are written in one transaction.
func (s *sqlStore) Settle(ctx context.Context, jobID string, at time.Time) (int64, error) {
	var refund int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Settled {
			return nil
		}
		if !models.IsTerminalState(job.Status) {
			return ErrJobNotSettleable
		}

		refund = job.RefundDue()
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET settled = ?, credits_refunded = ? WHERE id = ?`),
			true, refund, jobID); err != nil {
			return fmt.Errorf("mark job settled: %w", err)
		}
		if refund == 0 {
			return nil
		}

		txn := newTransaction(job.UserID, job.ID, refund, models.TransactionRefund, refundDescription(job), at)
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE balances SET balance = balance + ?, updated_at = ? WHERE user_id = ?`),
			refund, txn.CreatedAt, job.UserID); err != nil {
			return fmt.Errorf("credit refund: %w", err)
		}
		return s.insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return 0, err
	}
	return refund, nil
}

// Purchase credits a user's balance, creating it on first purchase
func (s *sqlStore) Purchase(ctx context.Context, userID string, amount int64, description string, at time.Time) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("purchase amount must be positive, got %d", amount)
	}
	txn := newTransaction(userID, "", amount, models.TransactionPurchase, description, at)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO balances (user_id, balance, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = balances.balance + excluded.balance, updated_at = excluded.updated_at`),
			userID, amount, txn.CreatedAt); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		return s.insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns a user's ledger entries, oldest first
func (s *sqlStore) ListTransactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+transactionColumns+` FROM credit_transactions
		WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.JobID, &t.Amount, &kind, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = models.TransactionType(kind)
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
