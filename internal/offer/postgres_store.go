package offer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/collabpay/collabpay/internal/pagination"
)

// PostgresStore persists offers in PostgreSQL. Version checks piggyback on
// the UPDATE's WHERE clause so the compare-and-swap is a single statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, marketer_id, creator_id, proposed_cents, status, counters,
	sections, change_log, version, metrics, deal_id, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	counters, _ := json.Marshal(o.Counters)
	sections, _ := json.Marshal(o.Sections)
	changeLog, _ := json.Marshal(o.ChangeLog)
	m, _ := json.Marshal(o.Metrics)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, marketer_id, creator_id, proposed_cents, status, counters,
			sections, change_log, version, metrics, deal_id, expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.MarketerID, o.CreatorID, o.ProposedCents, string(o.Status),
		counters, sections, changeLog, o.Version, m,
		nullString(o.DealID), nullTime(o.ExpiresAt), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer, expectedVersion int64) error {
	counters, _ := json.Marshal(o.Counters)
	sections, _ := json.Marshal(o.Sections)
	changeLog, _ := json.Marshal(o.ChangeLog)
	m, _ := json.Marshal(o.Metrics)

	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			proposed_cents = $2, status = $3, counters = $4, sections = $5,
			change_log = $6, version = $7, metrics = $8, deal_id = $9,
			expires_at = $10, updated_at = $11
		WHERE id = $1 AND version = $12`,
		o.ID, o.ProposedCents, string(o.Status), counters, sections,
		changeLog, expectedVersion+1, m, nullString(o.DealID),
		nullTime(o.ExpiresAt), o.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM offers WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOfferNotFound
		}
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE (marketer_id = $1 OR creator_id = $1)`
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
	return scanOffers(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status NOT IN ('accepted', 'rejected', 'cancelled', 'expired')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	var (
		o         Offer
		status    string
		counters  []byte
		sections  []byte
		changeLog []byte
		m         []byte
		dealID    sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.MarketerID, &o.CreatorID, &o.ProposedCents, &status,
		&counters, &sections, &changeLog, &o.Version, &m, &dealID, &expiresAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	_ = json.Unmarshal(counters, &o.Counters)
	_ = json.Unmarshal(sections, &o.Sections)
	_ = json.Unmarshal(changeLog, &o.ChangeLog)
	_ = json.Unmarshal(m, &o.Metrics)
	if dealID.Valid {
		o.DealID = dealID.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		o.ExpiresAt = &t
	}
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
