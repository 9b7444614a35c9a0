package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pressly/goose/v3"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/mbd888/creditscore/migrations"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a single SQLite file. The pool holds one
// connection, so transactions never interleave and Apply is atomic for
// every account at once.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrations.Up(ctx, goose.DialectSQLite3, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, account common.Address) (*Profile, error) {
	prof, err := scanSQLiteProfile(s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles WHERE account = ?
	`, Key(account)))
	if errors.Is(err, sql.ErrNoRows) {
		return Default(account), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return prof, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, account common.Address, mut Mutation) (*Profile, error) {
	key := Key(account)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", mapSQLiteError(err))
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanSQLiteProfile(tx.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles WHERE account = ?
	`, key))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = Default(account)
	case err != nil:
		return nil, fmt.Errorf("read profile: %w", mapSQLiteError(err))
	}

	updated, ev := next(current, mut, s.now())

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account) DO UPDATE SET
			transaction_volume    = excluded.transaction_volume,
			wallet_balance        = excluded.wallet_balance,
			transaction_frequency = excluded.transaction_frequency,
			transaction_mix       = excluded.transaction_mix,
			new_transactions      = excluded.new_transactions,
			credit_score          = excluded.credit_score,
			version               = excluded.version,
			updated_at            = excluded.updated_at
	`,
		key, u64(updated.TransactionVolume), u64(updated.WalletBalance),
		u64(updated.TransactionFrequency), u64(updated.TransactionMix), u64(updated.NewTransactions),
		updated.CreditScore, updated.Version, toMillis(updated.CreatedAt), toMillis(updated.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("write profile: %w", mapSQLiteError(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO score_events (
			id, account, caller, kind, fields,
			transaction_volume, wallet_balance, transaction_frequency,
			transaction_mix, new_transactions,
			previous_score, credit_score, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, key, Key(ev.Caller), string(ev.Kind), joinFields(ev.Fields),
		u64(ev.Inputs.TransactionVolume), u64(ev.Inputs.WalletBalance), u64(ev.Inputs.TransactionFrequency),
		u64(ev.Inputs.TransactionMix), u64(ev.Inputs.NewTransactions),
		ev.PreviousScore, ev.CreditScore, ev.Version, toMillis(ev.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert score event: %w", mapSQLiteError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", mapSQLiteError(err))
	}
	return updated, nil
}

func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]*ScoreEvent, error) {
	before := q.BeforeVersion
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, caller, kind, fields,
			transaction_volume, wallet_balance, transaction_frequency,
			transaction_mix, new_transactions,
			previous_score, credit_score, version, created_at
		FROM score_events
		WHERE account = ? AND version < ?
		ORDER BY version DESC LIMIT ?
	`, Key(q.Account), before, clampLimit(q.Limit, 50, 1000))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ScoreEvent
	for rows.Next() {
		var (
			ev                  ScoreEvent
			account, caller     string
			kind, fields        string
			vol, bal, freq, mix string
			newTx               string
			createdAt           int64
		)
		if err := rows.Scan(&ev.ID, &account, &caller, &kind, &fields,
			&vol, &bal, &freq, &mix, &newTx,
			&ev.PreviousScore, &ev.CreditScore, &ev.Version, &createdAt); err != nil {
			return nil, err
		}
		ev.Account = common.HexToAddress(account)
		ev.Caller = common.HexToAddress(caller)
		ev.Kind = EventKind(kind)
		ev.Fields = splitFields(fields)
		ev.CreatedAt = fromMillis(createdAt)
		if ev.Inputs, err = parseInputs(vol, bal, freq, mix, newTx); err != nil {
			return nil, err
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM credit_profiles
		ORDER BY updated_at DESC, account ASC LIMIT ?
	`, clampLimit(limit, 50, 1000))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		prof, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prof)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSQLiteProfile(row scannable) (*Profile, error) {
	var (
		prof                 Profile
		account              string
		vol, bal, freq, mix  string
		newTx                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&account, &vol, &bal, &freq, &mix, &newTx,
		&prof.CreditScore, &prof.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	in, err := parseInputs(vol, bal, freq, mix, newTx)
	if err != nil {
		return nil, err
	}
	prof.Account = common.HexToAddress(account)
	prof.TransactionVolume = in.TransactionVolume
	prof.WalletBalance = in.WalletBalance
	prof.TransactionFrequency = in.TransactionFrequency
	prof.TransactionMix = in.TransactionMix
	prof.NewTransactions = in.NewTransactions
	prof.CreatedAt = fromMillis(createdAt)
	prof.UpdatedAt = fromMillis(updatedAt)
	return &prof, nil
}

// mapSQLiteError turns SQLITE_BUSY and constraint races into ErrConflict.
func mapSQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", ErrConflict, sqliteErr.Error())
		}
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %s", ErrConflict, sqliteErr.Error())
		}
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
