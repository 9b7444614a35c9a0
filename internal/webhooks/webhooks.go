// Package webhooks notifies external services when an account's credit
// score changes.
//
// An account holder registers URLs for their own address. Every committed
// mutation of that profile is POSTed to each active subscription, signed
// with HMAC-SHA256 over the body using the subscription secret.
package webhooks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/creditscore/internal/profile"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventScoreUpdated EventType = "score.updated"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// MaxSubscriptionsPerAccount bounds how many URLs one account may register.
const MaxSubscriptionsPerAccount = 5

var (
	ErrNotFound     = errors.New("webhooks: subscription not found")
	ErrLimitReached = errors.New("webhooks: subscription limit reached")
)

// Event is the delivered payload.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      *ScoreChange `json:"data"`
}

// ScoreChange describes one committed profile mutation.
type ScoreChange struct {
	Address     string   `json:"address"`
	CreditScore int      `json:"creditScore"`
	Version     int64    `json:"version"`
	Kind        string   `json:"kind"`
	Fields      []string `json:"fields"`
}

// Subscription is a registered webhook URL.
type Subscription struct {
	ID      string `json:"id"`
	Account string `json:"address"` // lowercase 0x hex
	URL     string `json:"url"`
	Secret  string `json:"-"`
	// Kinds limits delivery to these mutation kinds. Empty means all.
	Kinds               []profile.EventKind `json:"kinds,omitempty"`
	Active              bool                `json:"active"`
	CreatedAt           time.Time           `json:"createdAt"`
	LastSuccess         *time.Time          `json:"lastSuccess,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive a mutation of kind.
func (s *Subscription) Wants(kind string) bool {
	if !s.Active {
		return false
	}
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	// Create fails with ErrLimitReached when the account already has
	// MaxSubscriptionsPerAccount subscriptions.
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByAccount(ctx context.Context, account string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	// RecordDelivery stores the outcome of one delivery. An empty errMsg is
	// a success and resets the failure count; otherwise the count grows and
	// the subscription is deactivated at MaxConsecutiveFailures.
	RecordDelivery(ctx context.Context, id string, errMsg string, at time.Time) (*Subscription, error)
}

// MemoryStore is an in-memory implementation for testing and single-node
// deployments without Postgres.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(sub *Subscription) *Subscription {
	c := *sub
	c.Kinds = append([]profile.EventKind(nil), sub.Kinds...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.Account == sub.Account {
			n++
		}
	}
	if n >= MaxSubscriptionsPerAccount {
		return ErrLimitReached
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

// ListByAccount returns the account's subscriptions, newest first.
func (m *MemoryStore) ListByAccount(ctx context.Context, account string) ([]*Subscription, error) {
	account = strings.ToLower(account)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Account == account {
			result = append(result, clone(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordDelivery(ctx context.Context, id string, errMsg string, at time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if errMsg == "" {
		t := at
		sub.LastSuccess = &t
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = errMsg
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
			sub.Active = false
		}
	}
	return clone(sub), nil
}
