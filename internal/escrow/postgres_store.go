package escrow

import (
	"context"
	"database/sql"
)

// PostgresTransactionStore persists ledger entries in PostgreSQL. Rows are
// insert-only; there is no UPDATE path.
type PostgresTransactionStore struct {
	db *sql.DB
}

// NewPostgresTransactionStore creates a new PostgreSQL-backed ledger.
func NewPostgresTransactionStore(db *sql.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

const txColumns = `id, deal_id, milestone_id, type, amount_cents,
	payment_method, status, provider_ref, paid_at`

func (p *PostgresTransactionStore) Append(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, deal_id, milestone_id, type, amount_cents,
			payment_method, status, provider_ref, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.DealID, tx.MilestoneID, string(tx.Type), tx.AmountCents,
		tx.PaymentMethod, tx.Status, tx.ProviderRef, tx.PaidAt,
	)
	return err
}

func (p *PostgresTransactionStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresTransactionStore) ListByDeal(ctx context.Context, dealID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE deal_id = $1 ORDER BY paid_at DESC LIMIT $2`, dealID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresTransactionStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE milestone_id = $1 ORDER BY paid_at`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx  Transaction
		typ string
	)
	err := row.Scan(&tx.ID, &tx.DealID, &tx.MilestoneID, &typ, &tx.AmountCents,
		&tx.PaymentMethod, &tx.Status, &tx.ProviderRef, &tx.PaidAt)
	if err != nil {
		return nil, err
	}
	tx.Type = TransactionType(typ)
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}
