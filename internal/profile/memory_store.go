package profile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/creditscore/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory profile store for development and tests.
// Read-modify-write is serialized per account by a sharded lock; the maps
// themselves are guarded by mu.
type MemoryStore struct {
	locks *syncutil.KeyedMutex

	mu       sync.RWMutex
	profiles map[string]*Profile
	events   map[string][]*ScoreEvent // ascending by Version

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    syncutil.NewKeyedMutex(0),
		profiles: make(map[string]*Profile),
		events:   make(map[string][]*ScoreEvent),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, account common.Address) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[Key(account)]
	if !ok {
		return Default(account), nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, account common.Address, mut Mutation) (*Profile, error) {
	key := Key(account)

	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, account)
	if err != nil {
		return nil, err
	}

	updated, ev := next(current, mut, m.now())

	m.mu.Lock()
	stored := *updated
	m.profiles[key] = &stored
	m.events[key] = append(m.events[key], ev)
	m.mu.Unlock()

	return updated, nil
}

func (m *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]*ScoreEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := clampLimit(q.Limit, 50, 1000)
	events := m.events[Key(q.Account)]

	var result []*ScoreEvent
	for i := len(events) - 1; i >= 0 && len(result) < limit; i-- {
		ev := events[i]
		if q.BeforeVersion > 0 && ev.Version >= q.BeforeVersion {
			continue
		}
		cp := *ev
		cp.Fields = append([]Field(nil), ev.Fields...)
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Profile, error) {
	m.mu.RLock()
	result := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		result = append(result, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return Key(result[i].Account) < Key(result[j].Account)
	})

	limit = clampLimit(limit, 50, 1000)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
