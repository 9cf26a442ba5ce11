// Package journal records best-effort escrow steps that failed after their
// ledger command already succeeded, so a reconciliation pass (manual or
// scheduled) can replay them. The ledger state is correct; only the escrow
// side is behind.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reconciliation steps.
const (
	StepRepayUnlock  = "repay-unlock"
	StepDefaultClaim = "default-claim"
	StepCancelUnlock = "cancel-unlock"
)

// Entry is one recorded reconciliation item.
type Entry struct {
	ID            string    `json:"id"`
	LoanID        string    `json:"loan_id"`
	Step          string    `json:"step"`
	EscrowOfferID string    `json:"escrow_offer_id"`
	Detail        string    `json:"detail"`
	RecordedAt    time.Time `json:"recorded_at"`
	Resolved      bool      `json:"resolved"`
}

// Journal persists reconciliation entries in PostgreSQL. A nil Journal is
// valid and degrades to log-only, so deployments without a database keep
// working.
type Journal struct {
	pool *pgxpool.Pool
}

// New creates a journal over a connection pool.
func New(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Schema is the journal table definition, applied at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS reconciliation_journal (
    id              TEXT PRIMARY KEY,
    loan_id         TEXT NOT NULL,
    step            TEXT NOT NULL,
    escrow_offer_id TEXT NOT NULL,
    detail          TEXT NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL,
    resolved        BOOLEAN NOT NULL DEFAULT FALSE
)`

// Record stores a failed best-effort step. Recording never fails the caller:
// persistence errors are logged, matching the step's best-effort contract.
func (j *Journal) Record(ctx context.Context, loanID, step, escrowOfferID string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	if j == nil || j.pool == nil {
		slog.Warn("reconciliation needed (journal disabled)",
			"loan_id", loanID, "step", step, "escrow_offer_id", escrowOfferID, "cause", detail)
		return
	}

	_, err := j.pool.Exec(ctx,
		`INSERT INTO reconciliation_journal (id, loan_id, step, escrow_offer_id, detail, recorded_at, resolved)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		uuid.NewString(), loanID, step, escrowOfferID, detail, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("journal write failed", "loan_id", loanID, "step", step, "err", err)
		return
	}
	slog.Warn("reconciliation journaled",
		"loan_id", loanID, "step", step, "escrow_offer_id", escrowOfferID, "cause", detail)
}

// Pending returns unresolved entries, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]Entry, error) {
	if j == nil || j.pool == nil {
		return nil, nil
	}

	rows, err := j.pool.Query(ctx,
		`SELECT id, loan_id, step, escrow_offer_id, detail, recorded_at, resolved
		 FROM reconciliation_journal WHERE resolved = FALSE ORDER BY recorded_at`)
	if err != nil {
		return nil, fmt.Errorf("journal: list pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.LoanID, &e.Step, &e.EscrowOfferID,
			&e.Detail, &e.RecordedAt, &e.Resolved); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Resolve marks an entry as handled.
func (j *Journal) Resolve(ctx context.Context, id string) error {
	if j == nil || j.pool == nil {
		return nil
	}
	_, err := j.pool.Exec(ctx,
		`UPDATE reconciliation_journal SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("journal: resolve %s: %w", id, err)
	}
	return nil
}
