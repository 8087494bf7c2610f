package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const transactionColumns = `id, subject_kind, subject_key, type, amount,
balance_after, operation_type, metadata, created_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.SubjectKind, &t.SubjectKey, &t.Type, &t.Amount,
		&t.BalanceAfter, &t.OperationType, &t.Metadata, &t.CreatedAt,
	)
	return t, err
}

const createTransaction = `
INSERT INTO transactions (subject_kind, subject_key, type, amount,
	balance_after, operation_type, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + transactionColumns

type CreateTransactionParams struct {
	SubjectKind   string
	SubjectKey    string
	Type          string
	Amount        int64
	BalanceAfter  int64
	OperationType string
	Metadata      pqtype.NullRawMessage
}

func (q *Queries) CreateTransaction(ctx context.Context, arg CreateTransactionParams) (Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, createTransaction,
		arg.SubjectKind, arg.SubjectKey, arg.Type, arg.Amount,
		arg.BalanceAfter, arg.OperationType, arg.Metadata))
}

const countUsageTransactionsSince = `
SELECT COUNT(*)
FROM transactions
WHERE subject_key = $1 AND type = 'usage' AND created_at >= $2
`

type CountUsageTransactionsSinceParams struct {
	SubjectKey uuid.UUID
	Since      time.Time
}

// CountUsageTransactionsSince backs the unlimited-tier soft cap: usage is
// counted, not summed, because the cap limits interactions per day.
func (q *Queries) CountUsageTransactionsSince(ctx context.Context, arg CountUsageTransactionsSinceParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, countUsageTransactionsSince, arg.SubjectKey.String(), arg.Since)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const lockSubjectKey = `
SELECT pg_advisory_xact_lock(hashtext($1))
`

// LockSubjectKey takes a transaction-scoped advisory lock on the subject
// key. Ledger-derived allowances have no balance row a conditional UPDATE
// could guard, so writers for the same subject serialize here instead.
func (q *Queries) LockSubjectKey(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, lockSubjectKey, key)
	return err
}

const sumUsageTransactionsSince = `
SELECT COALESCE(SUM(-amount), 0)
FROM transactions
WHERE subject_key = $1 AND type = 'usage' AND created_at >= $2
`

type SumUsageTransactionsSinceParams struct {
	SubjectKey uuid.UUID
	Since      time.Time
}

// SumUsageTransactionsSince derives a free user's spent allowance from the
// day's ledger. Usage amounts are negative, so the sum is negated into a
// spent-credits magnitude.
func (q *Queries) SumUsageTransactionsSince(ctx context.Context, arg SumUsageTransactionsSinceParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, sumUsageTransactionsSince, arg.SubjectKey.String(), arg.Since)
	var sum int64
	err := row.Scan(&sum)
	return sum, err
}

const listTransactionsBefore = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE created_at < $1
ORDER BY created_at
LIMIT $2
`

type ListTransactionsBeforeParams struct {
	Cutoff time.Time
	Limit  int32
}

func (q *Queries) ListTransactionsBefore(ctx context.Context, arg ListTransactionsBeforeParams) ([]Transaction, error) {
	rows, err := q.db.QueryContext(ctx, listTransactionsBefore, arg.Cutoff, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var txs []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

const deleteTransactionsBefore = `
DELETE FROM transactions
WHERE created_at < $1
`

// DeleteTransactionsBefore is used only by the retention/archive job. The
// cutoff always predates the current accounting period, so deleting these
// rows never disturbs balance reconciliation.
func (q *Queries) DeleteTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransactionsBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
