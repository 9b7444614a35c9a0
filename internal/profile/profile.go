// Package profile maintains per-account credit profiles.
//
// A profile holds five raw transactional metrics and a credit score derived
// from them by package scoring. Profiles are created implicitly by their first
// mutation and never deleted. Every mutation sets one or more fields and
// recomputes the score in the same atomic step, so a stored score is never
// stale.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/creditscore/internal/idgen"
	"github.com/mbd888/creditscore/internal/scoring"
)

var (
	// ErrUnauthorized is returned when the caller may not perform an operation.
	ErrUnauthorized = errors.New("caller is not authorized for this operation")
	// ErrConflict is returned by stores when a concurrent update won the race.
	// Service retries it.
	ErrConflict = errors.New("concurrent profile update")
)

// ValidationError reports a malformed mutation request. It is returned before
// any store access.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// StoreError reports a failure of the backing store. Retryable errors may
// succeed if the caller tries again later.
type StoreError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("profile store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Profile is an account's credit profile.
type Profile struct {
	Account              common.Address `json:"address"`
	TransactionVolume    uint64         `json:"transactionVolume"`
	WalletBalance        uint64         `json:"walletBalance"`
	TransactionFrequency uint64         `json:"transactionFrequency"`
	TransactionMix       uint64         `json:"transactionMix"`
	NewTransactions      uint64         `json:"newTransactions"`
	CreditScore          int            `json:"creditScore"`

	// Version counts applied mutations; 0 means the account was never touched.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Default returns the profile of an account that has never been mutated.
func Default(account common.Address) *Profile {
	return &Profile{Account: account, CreditScore: scoring.MinScore}
}

// Exists reports whether the profile has been created by a mutation.
func (p *Profile) Exists() bool {
	return p.Version > 0
}

// Inputs returns the raw metrics in scoring form.
func (p *Profile) Inputs() scoring.Inputs {
	return scoring.Inputs{
		TransactionVolume:    p.TransactionVolume,
		WalletBalance:        p.WalletBalance,
		TransactionFrequency: p.TransactionFrequency,
		TransactionMix:       p.TransactionMix,
		NewTransactions:      p.NewTransactions,
	}
}

// Breakdown explains the profile's current score.
func (p *Profile) Breakdown() scoring.Breakdown {
	return scoring.Explain(p.Inputs())
}

// Key returns the canonical store key for an account: lowercase 0x-hex.
func Key(account common.Address) string {
	return strings.ToLower(account.Hex())
}

// Field names one of the five raw metrics.
type Field string

const (
	FieldTransactionVolume    Field = "transactionVolume"
	FieldWalletBalance        Field = "walletBalance"
	FieldTransactionFrequency Field = "transactionFrequency"
	FieldTransactionMix       Field = "transactionMix"
	FieldNewTransactions      Field = "newTransactions"
)

// Fields lists every raw metric in weight order.
var Fields = []Field{
	FieldTransactionVolume,
	FieldWalletBalance,
	FieldTransactionFrequency,
	FieldTransactionMix,
	FieldNewTransactions,
}

var fieldAliases = map[string]Field{
	"transactionvolume":     FieldTransactionVolume,
	"transaction-volume":    FieldTransactionVolume,
	"volume":                FieldTransactionVolume,
	"walletbalance":         FieldWalletBalance,
	"wallet-balance":        FieldWalletBalance,
	"balance":               FieldWalletBalance,
	"transactionfrequency":  FieldTransactionFrequency,
	"transaction-frequency": FieldTransactionFrequency,
	"frequency":             FieldTransactionFrequency,
	"transactionmix":        FieldTransactionMix,
	"transaction-mix":       FieldTransactionMix,
	"mix":                   FieldTransactionMix,
	"newtransactions":       FieldNewTransactions,
	"new-transactions":      FieldNewTransactions,
	"newtx":                 FieldNewTransactions,
}

// ParseField accepts camelCase, kebab-case or the short request names
// (volume, balance, frequency, mix, newTx).
func ParseField(s string) (Field, error) {
	if f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return "", &ValidationError{Field: "field", Message: fmt.Sprintf("unknown field %q", s)}
}

// EventKind says which kind of mutator produced a score event.
type EventKind string

const (
	KindSelfUpdate  EventKind = "self_update"
	KindIntegration EventKind = "integration"
)

// Mutation is a set of field assignments applied atomically to one profile.
// Nil fields are left unchanged.
type Mutation struct {
	TransactionVolume    *uint64
	WalletBalance        *uint64
	TransactionFrequency *uint64
	TransactionMix       *uint64
	NewTransactions      *uint64

	Caller common.Address
	Kind   EventKind
}

// Set assigns value to field f.
func (m *Mutation) Set(f Field, value uint64) {
	v := value
	switch f {
	case FieldTransactionVolume:
		m.TransactionVolume = &v
	case FieldWalletBalance:
		m.WalletBalance = &v
	case FieldTransactionFrequency:
		m.TransactionFrequency = &v
	case FieldTransactionMix:
		m.TransactionMix = &v
	case FieldNewTransactions:
		m.NewTransactions = &v
	}
}

// Fields returns the names of the assigned fields in weight order.
func (m Mutation) Fields() []Field {
	var out []Field
	for _, f := range Fields {
		if m.ptr(f) != nil {
			out = append(out, f)
		}
	}
	return out
}

// Validate rejects empty mutations and unknown kinds.
func (m Mutation) Validate() error {
	if len(m.Fields()) == 0 {
		return &ValidationError{Field: "mutation", Message: "at least one field must be set"}
	}
	switch m.Kind {
	case KindSelfUpdate, KindIntegration:
	default:
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown mutation kind %q", m.Kind)}
	}
	return nil
}

func (m Mutation) ptr(f Field) *uint64 {
	switch f {
	case FieldTransactionVolume:
		return m.TransactionVolume
	case FieldWalletBalance:
		return m.WalletBalance
	case FieldTransactionFrequency:
		return m.TransactionFrequency
	case FieldTransactionMix:
		return m.TransactionMix
	case FieldNewTransactions:
		return m.NewTransactions
	}
	return nil
}

// ExternalData is the full set of metrics supplied by a privileged integrator.
type ExternalData struct {
	Volume    uint64 `json:"volume"`
	Balance   uint64 `json:"balance"`
	Frequency uint64 `json:"frequency"`
	Mix       uint64 `json:"mix"`
	NewTx     uint64 `json:"newTx"`
}

// Mutation returns a mutation that assigns all five fields.
func (d ExternalData) Mutation(caller common.Address) Mutation {
	m := Mutation{Caller: caller, Kind: KindIntegration}
	m.Set(FieldTransactionVolume, d.Volume)
	m.Set(FieldWalletBalance, d.Balance)
	m.Set(FieldTransactionFrequency, d.Frequency)
	m.Set(FieldTransactionMix, d.Mix)
	m.Set(FieldNewTransactions, d.NewTx)
	return m
}

// ScoreEvent records one applied mutation. Events form an append-only
// history per account, ordered by Version.
type ScoreEvent struct {
	ID            string         `json:"id"`
	Account       common.Address `json:"address"`
	Caller        common.Address `json:"caller"`
	Kind          EventKind      `json:"kind"`
	Fields        []Field        `json:"fields"`
	Inputs        scoring.Inputs `json:"inputs"`
	PreviousScore int            `json:"previousScore"`
	CreditScore   int            `json:"creditScore"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// HistoryQuery selects score events for one account, newest first.
// BeforeVersion, when positive, returns only events older than that version.
type HistoryQuery struct {
	Account       common.Address
	BeforeVersion int64
	Limit         int
}

// Store persists credit profiles. Apply must be atomic per account:
// concurrent Apply calls on the same account serialize, calls on different
// accounts do not block each other.
type Store interface {
	// Get returns the profile, or Default(account) if none exists.
	Get(ctx context.Context, account common.Address) (*Profile, error)
	// Apply assigns the mutation's fields to the account's profile (creating
	// it if absent), recomputes the score, records a ScoreEvent and returns
	// the resulting profile.
	Apply(ctx context.Context, account common.Address, m Mutation) (*Profile, error)
	// History returns score events matching q.
	History(ctx context.Context, q HistoryQuery) ([]*ScoreEvent, error)
	// List returns existing profiles, most recently updated first.
	List(ctx context.Context, limit int) ([]*Profile, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// next applies m to a copy of current and returns the new profile together
// with the event describing the transition. Every Store implementation goes
// through here so that scoring is identical across backends.
func next(current *Profile, m Mutation, now time.Time) (*Profile, *ScoreEvent) {
	p := *current
	if v := m.TransactionVolume; v != nil {
		p.TransactionVolume = *v
	}
	if v := m.WalletBalance; v != nil {
		p.WalletBalance = *v
	}
	if v := m.TransactionFrequency; v != nil {
		p.TransactionFrequency = *v
	}
	if v := m.TransactionMix; v != nil {
		p.TransactionMix = *v
	}
	if v := m.NewTransactions; v != nil {
		p.NewTransactions = *v
	}

	p.CreditScore = scoring.Compute(p.Inputs())
	p.Version = current.Version + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	ev := &ScoreEvent{
		ID:            idgen.WithPrefix("evt_"),
		Account:       p.Account,
		Caller:        m.Caller,
		Kind:          m.Kind,
		Fields:        m.Fields(),
		Inputs:        p.Inputs(),
		PreviousScore: current.CreditScore,
		CreditScore:   p.CreditScore,
		Version:       p.Version,
		CreatedAt:     now,
	}
	return &p, ev
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
