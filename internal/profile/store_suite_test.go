package profile

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/scoring"
)

var (
	alice = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	owner = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func selfSet(caller common.Address, f Field, v uint64) Mutation {
	m := Mutation{Caller: caller, Kind: KindSelfUpdate}
	m.Set(f, v)
	return m
}

// applyRetrying mirrors Service: a store may report ErrConflict under contention.
func applyRetrying(ctx context.Context, s Store, account common.Address, m Mutation) (*Profile, error) {
	for {
		p, err := s.Apply(ctx, account, m)
		if !errors.Is(err, ErrConflict) {
			return p, err
		}
	}
}

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("absent account reads as default", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, alice, p.Account)
		assert.Equal(t, scoring.MinScore, p.CreditScore)
		assert.Zero(t, p.Version)
		assert.False(t, p.Exists())
		assert.Equal(t, scoring.Inputs{}, p.Inputs())
	})

	t.Run("first mutation creates profile", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Apply(ctx, alice, selfSet(alice, FieldTransactionVolume, 100))
		require.NoError(t, err)
		assert.Equal(t, uint64(100), p.TransactionVolume)
		assert.Equal(t, 319, p.CreditScore)
		assert.Equal(t, int64(1), p.Version)
		assert.False(t, p.CreatedAt.IsZero())

		got, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, p.CreditScore, got.CreditScore)
		assert.Equal(t, p.TransactionVolume, got.TransactionVolume)
		assert.Equal(t, p.Version, got.Version)
		assert.Equal(t, alice, got.Account)
	})

	t.Run("mutators set rather than accumulate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, alice, selfSet(alice, FieldWalletBalance, 5000))
		require.NoError(t, err)
		p, err := s.Apply(ctx, alice, selfSet(alice, FieldWalletBalance, 40))
		require.NoError(t, err)
		assert.Equal(t, uint64(40), p.WalletBalance)
		assert.Equal(t, scoring.Compute(p.Inputs()), p.CreditScore)
	})

	t.Run("repeating a mutation is idempotent", func(t *testing.T) {
		s := newStore(t)
		once, err := s.Apply(ctx, alice, selfSet(alice, FieldTransactionMix, 250))
		require.NoError(t, err)
		twice, err := s.Apply(ctx, alice, selfSet(alice, FieldTransactionMix, 250))
		require.NoError(t, err)
		assert.Equal(t, once.Inputs(), twice.Inputs())
		assert.Equal(t, once.CreditScore, twice.CreditScore)
	})

	t.Run("integration sets all fields", func(t *testing.T) {
		s := newStore(t)
		data := ExternalData{Volume: 1000, Balance: 2000, Frequency: 500, Mix: 250, NewTx: 100}
		p, err := s.Apply(ctx, bob, data.Mutation(owner))
		require.NoError(t, err)
		assert.Equal(t, 850, p.CreditScore)
		assert.Equal(t, scoring.Inputs{
			TransactionVolume:    1000,
			WalletBalance:        2000,
			TransactionFrequency: 500,
			TransactionMix:       250,
			NewTransactions:      100,
		}, p.Inputs())
	})

	t.Run("accounts are isolated", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, bob, selfSet(bob, FieldNewTransactions, 30))
		require.NoError(t, err)
		before, err := s.Get(ctx, bob)
		require.NoError(t, err)

		_, err = s.Apply(ctx, alice, ExternalData{Volume: 1 << 40}.Mutation(owner))
		require.NoError(t, err)

		after, err := s.Get(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, before.CreditScore, after.CreditScore)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, before.Inputs(), after.Inputs())
	})

	t.Run("full uint64 range round-trips", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, alice, ExternalData{
			Volume: math.MaxUint64, Balance: math.MaxUint64, Frequency: math.MaxUint64,
			Mix: math.MaxUint64, NewTx: math.MaxUint64,
		}.Mutation(owner))
		require.NoError(t, err)

		p, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(math.MaxUint64), p.TransactionVolume)
		assert.Equal(t, uint64(math.MaxUint64), p.NewTransactions)
		assert.Equal(t, scoring.MaxScore, p.CreditScore)
	})

	t.Run("history is newest first and pages by version", func(t *testing.T) {
		s := newStore(t)
		for i := uint64(1); i <= 5; i++ {
			_, err := s.Apply(ctx, alice, selfSet(alice, FieldTransactionVolume, i*100))
			require.NoError(t, err)
		}
		_, err := s.Apply(ctx, bob, selfSet(bob, FieldTransactionVolume, 1))
		require.NoError(t, err)

		events, err := s.History(ctx, HistoryQuery{Account: alice, Limit: 2})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(5), events[0].Version)
		assert.Equal(t, int64(4), events[1].Version)
		assert.Equal(t, uint64(500), events[0].Inputs.TransactionVolume)
		assert.Equal(t, []Field{FieldTransactionVolume}, events[0].Fields)
		assert.Equal(t, KindSelfUpdate, events[0].Kind)
		assert.Equal(t, alice, events[0].Caller)
		assert.Equal(t, events[1].CreditScore, events[0].PreviousScore)

		older, err := s.History(ctx, HistoryQuery{Account: alice, BeforeVersion: 4, Limit: 10})
		require.NoError(t, err)
		require.Len(t, older, 3)
		assert.Equal(t, int64(3), older[0].Version)
		assert.Equal(t, int64(1), older[2].Version)
		assert.Equal(t, scoring.MinScore, older[2].PreviousScore)

		none, err := s.History(ctx, HistoryQuery{Account: common.HexToAddress("0x01")})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("list returns existing profiles most recent first", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, alice, selfSet(alice, FieldTransactionVolume, 10))
		require.NoError(t, err)
		_, err = s.Apply(ctx, bob, selfSet(bob, FieldTransactionVolume, 20))
		require.NoError(t, err)

		profiles, err := s.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.False(t, profiles[0].UpdatedAt.Before(profiles[1].UpdatedAt))

		one, err := s.List(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})

	t.Run("concurrent mutations on one account serialize", func(t *testing.T) {
		s := newStore(t)
		const workers = 20

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				f := Fields[i%len(Fields)]
				_, err := applyRetrying(ctx, s, alice, selfSet(alice, f, uint64(i+1)*37))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		p, err := s.Get(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), p.Version, "every mutation must be applied exactly once")
		assert.Equal(t, scoring.Compute(p.Inputs()), p.CreditScore, "score must match stored inputs")

		events, err := s.History(ctx, HistoryQuery{Account: alice, Limit: 100})
		require.NoError(t, err)
		require.Len(t, events, workers)
		for i, ev := range events {
			assert.Equal(t, int64(workers-i), ev.Version)
			if i+1 < len(events) {
				assert.Equal(t, events[i+1].CreditScore, ev.PreviousScore)
			}
		}
	})
}
