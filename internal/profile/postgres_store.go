package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/creditscore/internal/scoring"
	"github.com/mbd888/creditscore/migrations"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Apply locks the
// account row for the duration of its transaction.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies the embedded goose migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, goose.DialectPostgres, p.db)
}

const profileColumns = `account, transaction_volume, wallet_balance, transaction_frequency,
	transaction_mix, new_transactions, credit_score, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, account common.Address) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles WHERE account = $1
	`, Key(account))

	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(account), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return prof, nil
}

func (p *PostgresStore) Apply(ctx context.Context, account common.Address, mut Mutation) (*Profile, error) {
	key := Key(account)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", mapPQError(err))
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanProfile(tx.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles WHERE account = $1
		FOR UPDATE
	`, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = Default(account)
	case err != nil:
		return nil, fmt.Errorf("lock profile: %w", mapPQError(err))
	}

	updated, ev := next(current, mut, p.now())

	var res sql.Result
	if current.Exists() {
		res, err = tx.ExecContext(ctx, `
			UPDATE credit_profiles SET
				transaction_volume    = $2::NUMERIC(20,0),
				wallet_balance        = $3::NUMERIC(20,0),
				transaction_frequency = $4::NUMERIC(20,0),
				transaction_mix       = $5::NUMERIC(20,0),
				new_transactions      = $6::NUMERIC(20,0),
				credit_score          = $7,
				version               = $8,
				updated_at            = $9
			WHERE account = $1 AND version = $10
		`,
			key, u64(updated.TransactionVolume), u64(updated.WalletBalance),
			u64(updated.TransactionFrequency), u64(updated.TransactionMix), u64(updated.NewTransactions),
			updated.CreditScore, updated.Version, updated.UpdatedAt, current.Version,
		)
	} else {
		// A concurrent first mutation may insert the row between our SELECT
		// and this INSERT; DO NOTHING leaves zero rows affected and we retry.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO credit_profiles (`+profileColumns+`)
			VALUES ($1, $2::NUMERIC(20,0), $3::NUMERIC(20,0), $4::NUMERIC(20,0),
				$5::NUMERIC(20,0), $6::NUMERIC(20,0), $7, $8, $9, $10)
			ON CONFLICT (account) DO NOTHING
		`,
			key, u64(updated.TransactionVolume), u64(updated.WalletBalance),
			u64(updated.TransactionFrequency), u64(updated.TransactionMix), u64(updated.NewTransactions),
			updated.CreditScore, updated.Version, updated.CreatedAt, updated.UpdatedAt,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("write profile: %w", mapPQError(err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrConflict
	}

	if err := insertEventPG(ctx, tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", mapPQError(err))
	}
	return updated, nil
}

func insertEventPG(ctx context.Context, tx *sql.Tx, ev *ScoreEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO score_events (
			id, account, caller, kind, fields,
			transaction_volume, wallet_balance, transaction_frequency,
			transaction_mix, new_transactions,
			previous_score, credit_score, version, created_at
		) VALUES ($1, $2, $3, $4, $5,
			$6::NUMERIC(20,0), $7::NUMERIC(20,0), $8::NUMERIC(20,0),
			$9::NUMERIC(20,0), $10::NUMERIC(20,0),
			$11, $12, $13, $14)
	`,
		ev.ID, Key(ev.Account), Key(ev.Caller), string(ev.Kind), joinFields(ev.Fields),
		u64(ev.Inputs.TransactionVolume), u64(ev.Inputs.WalletBalance), u64(ev.Inputs.TransactionFrequency),
		u64(ev.Inputs.TransactionMix), u64(ev.Inputs.NewTransactions),
		ev.PreviousScore, ev.CreditScore, ev.Version, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert score event: %w", mapPQError(err))
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]*ScoreEvent, error) {
	before := q.BeforeVersion
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, caller, kind, fields,
			transaction_volume, wallet_balance, transaction_frequency,
			transaction_mix, new_transactions,
			previous_score, credit_score, version, created_at
		FROM score_events
		WHERE account = $1 AND version < $2
		ORDER BY version DESC LIMIT $3
	`, Key(q.Account), before, clampLimit(q.Limit, 50, 1000))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ScoreEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Profile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles
		ORDER BY updated_at DESC, account ASC LIMIT $1
	`, clampLimit(limit, 50, 1000))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prof)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// mapPQError turns serialization failures, deadlocks and unique violations
// into ErrConflict so that Service retries them.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

// scanProfile reads a row in profileColumns order. Raw metrics come back as
// decimal text in both PostgreSQL (NUMERIC) and SQLite (TEXT).
func scanProfile(row scannable) (*Profile, error) {
	var (
		account              string
		vol, bal, freq, mix  string
		newTx                string
		prof                 Profile
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&account, &vol, &bal, &freq, &mix, &newTx,
		&prof.CreditScore, &prof.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	prof.Account = common.HexToAddress(account)
	prof.CreatedAt = createdAt
	prof.UpdatedAt = updatedAt

	in, err := parseInputs(vol, bal, freq, mix, newTx)
	if err != nil {
		return nil, err
	}
	prof.TransactionVolume = in.TransactionVolume
	prof.WalletBalance = in.WalletBalance
	prof.TransactionFrequency = in.TransactionFrequency
	prof.TransactionMix = in.TransactionMix
	prof.NewTransactions = in.NewTransactions
	return &prof, nil
}

func scanEvent(row scannable) (*ScoreEvent, error) {
	var (
		ev                  ScoreEvent
		account, caller     string
		kind, fields        string
		vol, bal, freq, mix string
		newTx               string
	)
	if err := row.Scan(&ev.ID, &account, &caller, &kind, &fields,
		&vol, &bal, &freq, &mix, &newTx,
		&ev.PreviousScore, &ev.CreditScore, &ev.Version, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Account = common.HexToAddress(account)
	ev.Caller = common.HexToAddress(caller)
	ev.Kind = EventKind(kind)
	ev.Fields = splitFields(fields)

	var err error
	if ev.Inputs, err = parseInputs(vol, bal, freq, mix, newTx); err != nil {
		return nil, err
	}
	return &ev, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored metric %q: %w", s, err)
	}
	return v, nil
}

func parseInputs(vol, bal, freq, mix, newTx string) (scoring.Inputs, error) {
	var in scoring.Inputs
	var err error
	if in.TransactionVolume, err = parseU64(vol); err != nil {
		return in, err
	}
	if in.WalletBalance, err = parseU64(bal); err != nil {
		return in, err
	}
	if in.TransactionFrequency, err = parseU64(freq); err != nil {
		return in, err
	}
	if in.TransactionMix, err = parseU64(mix); err != nil {
		return in, err
	}
	in.NewTransactions, err = parseU64(newTx)
	return in, err
}

func joinFields(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func splitFields(s string) []Field {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Field, len(parts))
	for i, p := range parts {
		out[i] = Field(p)
	}
	return out
}
