package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL. The table is
// created by the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, account, url, secret, kinds, active, created_at, last_success, last_error, consecutive_failures`

// Create inserts sub unless its account is already at the limit. The count
// and insert share one statement.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	kindsJSON, err := json.Marshal(sub.Kinds)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, account, url, secret, kinds, active, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT COUNT(*) FROM webhooks WHERE account = $2) < $8
	`, sub.ID, sub.Account, sub.URL, sub.Secret, kindsJSON, sub.Active, sub.CreatedAt, MaxSubscriptionsPerAccount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLimitReached
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks WHERE account = $1 ORDER BY created_at DESC
	`, strings.ToLower(account))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// RecordDelivery updates the delivery state in one statement; column
// references on the right-hand side see the pre-update row.
func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, errMsg string, at time.Time) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE webhooks SET
			last_success = CASE WHEN $2::text = '' THEN $3 ELSE last_success END,
			last_error = NULLIF($2::text, ''),
			consecutive_failures = CASE WHEN $2::text = '' THEN 0 ELSE consecutive_failures + 1 END,
			active = CASE WHEN $2::text <> '' AND consecutive_failures + 1 >= $4 THEN FALSE ELSE active END
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, errMsg, at, MaxConsecutiveFailures)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var kindsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&sub.ID, &sub.Account, &sub.URL, &sub.Secret, &kindsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}

	if len(kindsJSON) > 0 {
		if err := json.Unmarshal(kindsJSON, &sub.Kinds); err != nil {
			return nil, err
		}
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}
