package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
)

const entryColumns = `id, email, position, referral_code, referral_count, referred_by,
	referral_credited, kit_subscriber_id, tags, created_at, updated_at`

// PostgresRepo stores waitlist entries in the waitlist_entries table.
type PostgresRepo struct {
	db *sqlx.DB
}

func NewPostgresRepo(db *sqlx.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureTable creates the waitlist_entries table if it does not already exist.
func (r *PostgresRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS waitlist_entries (
  id varchar(32) PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  position INT NOT NULL CHECK (position >= 1),
  referral_code varchar(32) NOT NULL UNIQUE,
  referral_count INT NOT NULL DEFAULT 0 CHECK (referral_count >= 0),
  referred_by varchar(32),
  referral_credited BOOLEAN NOT NULL DEFAULT false,
  kit_subscriber_id TEXT,
  tags TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_waitlist_entries_position ON waitlist_entries(position);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// entryRow mirrors the table; nullable columns use sql.Null* and tags pq.StringArray.
type entryRow struct {
	ID               string         `db:"id"`
	Email            string         `db:"email"`
	Position         int            `db:"position"`
	ReferralCode     string         `db:"referral_code"`
	ReferralCount    int            `db:"referral_count"`
	ReferredBy       sql.NullString `db:"referred_by"`
	ReferralCredited bool           `db:"referral_credited"`
	KitSubscriberID  sql.NullString `db:"kit_subscriber_id"`
	Tags             pq.StringArray `db:"tags"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (row entryRow) toEntity() *entity.Entry {
	e := &entity.Entry{
		ID:               row.ID,
		Email:            row.Email,
		Position:         row.Position,
		ReferralCode:     row.ReferralCode,
		ReferralCount:    row.ReferralCount,
		ReferralCredited: row.ReferralCredited,
		Tags:             []string(row.Tags),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if row.ReferredBy.Valid {
		v := row.ReferredBy.String
		e.ReferredBy = &v
	}
	if row.KitSubscriberID.Valid {
		v := row.KitSubscriberID.String
		e.KitSubscriberID = &v
	}
	return e
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// getOne runs a single-row query; no row means absence, not failure.
func (r *PostgresRepo) getOne(ctx context.Context, q string, args ...any) (*entity.Entry, error) {
	var row entryRow
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (r *PostgresRepo) Create(ctx context.Context, e *entity.Entry) error {
	q := `INSERT INTO waitlist_entries (id, email, position, referral_code, referral_count, referred_by, referral_credited, kit_subscriber_id, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at, updated_at`
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	row := r.db.QueryRowxContext(ctx, q, e.ID, e.Email, e.Position, e.ReferralCode, e.ReferralCount,
		nullString(e.ReferredBy), e.ReferralCredited, nullString(e.KitSubscriberID), pq.StringArray(tags))
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return entity.ErrDuplicate
		}
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetByEmail(ctx context.Context, email string) (*entity.Entry, error) {
	return r.getOne(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE email = $1`, email)
}

func (r *PostgresRepo) GetByReferralCode(ctx context.Context, code string) (*entity.Entry, error) {
	return r.getOne(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE referral_code = $1`, code)
}

// UpdateEntry builds a single UPDATE from the non-nil patch fields.
func (r *PostgresRepo) UpdateEntry(ctx context.Context, email string, p entity.Patch) (*entity.Entry, error) {
	sets := []string{}
	args := []any{email}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.Position != nil {
		add("position", *p.Position)
	}
	if p.ReferralCount != nil {
		add("referral_count", *p.ReferralCount)
	}
	if p.KitSubscriberID != nil {
		add("kit_subscriber_id", *p.KitSubscriberID)
	}
	if p.Tags != nil {
		add("tags", pq.StringArray(p.Tags))
	}
	if p.ReferralCredited != nil {
		add("referral_credited", *p.ReferralCredited)
	}
	if len(sets) == 0 {
		return r.GetByEmail(ctx, email)
	}
	q := `UPDATE waitlist_entries SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE email = $1 RETURNING ` + entryColumns
	return r.getOne(ctx, q, args...)
}

func (r *PostgresRepo) DeleteByEmail(ctx context.Context, email string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM waitlist_entries WHERE email = $1`, email)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepo) UpdateKitSubscriberID(ctx context.Context, email, id string) (*entity.Entry, error) {
	return r.UpdateEntry(ctx, email, entity.Patch{KitSubscriberID: &id})
}

// AddTags unions tags in SQL so concurrent calls cannot overwrite each other.
// First-seen order is kept.
func (r *PostgresRepo) AddTags(ctx context.Context, email string, tags ...string) (*entity.Entry, error) {
	q := `UPDATE waitlist_entries SET tags = ARRAY(
			SELECT t FROM unnest(tags || $2::text[]) WITH ORDINALITY AS u(t, i)
			WHERE t <> '' GROUP BY t ORDER BY MIN(i)
		), updated_at = NOW() WHERE email = $1 RETURNING ` + entryColumns
	return r.getOne(ctx, q, email, pq.StringArray(tags))
}

func (r *PostgresRepo) ProcessReferral(ctx context.Context, email string, spots int) (*entity.Entry, error) {
	q := `UPDATE waitlist_entries SET position = GREATEST(1, position - $2), referral_count = referral_count + 1, updated_at = NOW()
		WHERE email = $1 RETURNING ` + entryColumns
	return r.getOne(ctx, q, email, spots)
}

// CreditReferral flags the referred row and moves the referrer in one
// transaction; either both land or neither does.
func (r *PostgresRepo) CreditReferral(ctx context.Context, referredEmail, referrerEmail string, spots int) (*entity.Entry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit referral: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE waitlist_entries SET referral_credited = TRUE, updated_at = NOW() WHERE email = $1 AND referral_credited = FALSE`, referredEmail)
	if err != nil {
		return nil, fmt.Errorf("flag referral credited: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM waitlist_entries WHERE email = $1)`, referredEmail); err != nil {
			return nil, fmt.Errorf("check referred entry: %w", err)
		}
		if exists {
			return nil, entity.ErrAlreadyCredited
		}
		return nil, nil
	}

	var row entryRow
	err = tx.GetContext(ctx, &row, `UPDATE waitlist_entries SET position = GREATEST(1, position - $2), referral_count = referral_count + 1, updated_at = NOW()
		WHERE email = $1 RETURNING `+entryColumns, referrerEmail, spots)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("move referrer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit referral: %w", err)
	}
	return row.toEntity(), nil
}

func (r *PostgresRepo) NextPosition(ctx context.Context) (int, error) {
	var next int
	if err := r.db.GetContext(ctx, &next, `SELECT COALESCE(MAX(position), 0) + 1 FROM waitlist_entries`); err != nil {
		return 0, err
	}
	return next, nil
}
