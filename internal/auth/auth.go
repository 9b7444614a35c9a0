// Package auth provides API authentication for the credit score service.
//
// Authentication model:
//   - Reads (scores, profiles, history): no auth required
//   - Self-service updates: API key bound to the account being updated
//   - External data integration: API key bound to the engine owner
//   - API keys are minted by proving control of an address with a signed
//     login message, or configured for the owner at start-up
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/creditscore/internal/metrics"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrKeyFormat     = errors.New("API key must start with sk_ and be at least 32 characters")
)

const keyPrefix = "sk_"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 hash of key (stored)
	Account   string     `json:"account"` // lowercase 0x address the key acts as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Address returns the account the key is bound to.
func (k *APIKey) Address() common.Address {
	return common.HexToAddress(k.Account)
}

// Active reports whether the key may still be used at t.
func (k *APIKey) Active(t time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || t.Before(*k.ExpiresAt))
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAccount(ctx context.Context, account string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	CountActive(ctx context.Context) (int, error)
}

// Manager handles authentication
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a new auth manager. Keys never expire unless a TTL is
// set with WithKeyTTL.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithKeyTTL makes newly generated keys expire after ttl.
func (m *Manager) WithKeyTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// GenerateKey creates a new API key for an account.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, account common.Address, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key = m.newKey(account, rawKey, name)
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	m.refreshGauge(ctx)
	return rawKey, key, nil
}

// ImportKey registers a caller-chosen raw key for an account. It is used to
// bootstrap the owner's key from configuration and is idempotent.
func (m *Manager) ImportKey(ctx context.Context, account common.Address, rawKey, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) < 32 {
		return nil, ErrKeyFormat
	}

	if existing, err := m.store.GetByHash(ctx, hashKey(rawKey)); err == nil {
		if existing.Account != accountKey(account) {
			return nil, errors.New("API key already bound to a different account")
		}
		return existing, nil
	}

	key := m.newKey(account, rawKey, name)
	key.ExpiresAt = nil
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	m.refreshGauge(ctx)
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	touched := *key
	touched.LastUsed = now
	go func() {
		_ = m.store.Update(context.Background(), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for an account, newest first
func (m *Manager) ListKeys(ctx context.Context, account common.Address) ([]*APIKey, error) {
	return m.store.GetByAccount(ctx, accountKey(account))
}

// RevokeKey revokes one of the account's API keys
func (m *Manager) RevokeKey(ctx context.Context, keyID string, account common.Address) error {
	keys, err := m.store.GetByAccount(ctx, accountKey(account))
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			if err := m.store.Update(ctx, k); err != nil {
				return err
			}
			m.refreshGauge(ctx)
			return nil
		}
	}
	return ErrKeyNotFound
}

func (m *Manager) newKey(account common.Address, rawKey, name string) *APIKey {
	now := m.now()
	sum := sha256.Sum256([]byte(rawKey))
	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(sum[:8]),
		Hash:      hex.EncodeToString(sum[:]),
		Account:   accountKey(account),
		Name:      name,
		CreatedAt: now,
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		key.ExpiresAt = &exp
	}
	return key
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if n, err := m.store.CountActive(ctx); err == nil {
		metrics.ActiveAPIKeys.Set(float64(n))
	}
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func accountKey(account common.Address) string {
	return strings.ToLower(account.Hex())
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Hash == key.Hash {
			return errors.New("duplicate API key")
		}
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByAccount(ctx context.Context, account string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Account, account) {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, k := range s.keys {
		if k.Active(now) {
			n++
		}
	}
	return n, nil
}
