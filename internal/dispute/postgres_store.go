package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, deal_id, milestone_id, category, title, description,
	status, requested_outcome, filed_by, resolution, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	resolution, _ := json.Marshal(d.Resolution)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, deal_id, milestone_id, category, title, description,
			status, requested_outcome, filed_by, resolution, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.DealID, d.MilestoneID, d.Category, d.Title, d.Description,
		string(d.Status), string(d.RequestedOutcome), d.FiledBy, resolution,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	resolution, _ := json.Marshal(d.Resolution)
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, resolution = $3, updated_at = $4
		WHERE id = $1`,
		d.ID, string(d.Status), resolution, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByDeal(ctx context.Context, dealID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE deal_id = $1 ORDER BY created_at`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasOpen(ctx context.Context, dealID, milestoneID string) (bool, error) {
	var open bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM disputes
			WHERE deal_id = $1
			  AND (milestone_id = '' OR milestone_id = $2)
			  AND status NOT IN ('resolved', 'cancelled')
		)`, dealID, milestoneID).Scan(&open)
	return open, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var (
		d          Dispute
		status     string
		outcome    string
		resolution []byte
	)
	err := row.Scan(&d.ID, &d.DealID, &d.MilestoneID, &d.Category, &d.Title,
		&d.Description, &status, &outcome, &d.FiledBy, &resolution,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.RequestedOutcome = Outcome(outcome)
	if len(resolution) > 0 && string(resolution) != "null" {
		var res Resolution
		if err := json.Unmarshal(resolution, &res); err == nil {
			d.Resolution = &res
		}
	}
	return &d, nil
}
