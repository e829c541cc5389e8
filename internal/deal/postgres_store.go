package deal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/collabpay/collabpay/internal/pagination"
)

// PostgresStore persists deals in PostgreSQL. Milestones live in a JSONB
// column on the deal row: the deal document is the unit of compare-and-swap
// writes, so milestone state never changes outside a deal version bump.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, deal_number, offer_id, marketer_id, creator_id,
	payment_amount_cents, milestones, status, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	milestones, _ := json.Marshal(d.Milestones)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deals (
			id, deal_number, offer_id, marketer_id, creator_id,
			payment_amount_cents, milestones, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.DealNumber, d.OfferID, d.MarketerID, d.CreatorID,
		d.PaymentAmountCents, milestones, string(d.Status), d.Version,
		d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// Unique violation on offer_id or deal_number.
		return ErrDealExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE offer_id = $1`, offerID)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Deal, expectedVersion int64) error {
	milestones, _ := json.Marshal(d.Milestones)
	res, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			milestones = $2, status = $3, version = $4, updated_at = $5
		WHERE id = $1 AND version = $6`,
		d.ID, milestones, string(d.Status), expectedVersion+1, d.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE (marketer_id = $1 OR creator_id = $1)`
	args := []any{userID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

func (p *PostgresStore) ListWithEscrowedMilestones(ctx context.Context, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE milestones @> '[{"status": "escrowed"}]'
		   OR milestones @> '[{"status": "eligible"}]'
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDeals(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*Deal, error) {
	var (
		d          Deal
		milestones []byte
		status     string
	)
	err := row.Scan(&d.ID, &d.DealNumber, &d.OfferID, &d.MarketerID, &d.CreatorID,
		&d.PaymentAmountCents, &milestones, &status, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	_ = json.Unmarshal(milestones, &d.Milestones)
	return &d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
