package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/scoring"
)

func TestParseField(t *testing.T) {
	tests := []struct {
		in   string
		want Field
	}{
		{"transactionVolume", FieldTransactionVolume},
		{"wallet-balance", FieldWalletBalance},
		{"frequency", FieldTransactionFrequency},
		{" MIX ", FieldTransactionMix},
		{"newTx", FieldNewTransactions},
		{"newTransactions", FieldNewTransactions},
	}
	for _, tt := range tests {
		got, err := ParseField(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseField("creditScore")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "field", verr.Field)
}

func TestMutation_FieldsInWeightOrder(t *testing.T) {
	var m Mutation
	m.Set(FieldNewTransactions, 1)
	m.Set(FieldTransactionVolume, 0)
	assert.Equal(t, []Field{FieldTransactionVolume, FieldNewTransactions}, m.Fields())

	assert.Equal(t, Fields, ExternalData{}.Mutation(owner).Fields())
}

func TestMutation_Validate(t *testing.T) {
	empty := Mutation{Kind: KindSelfUpdate}
	assert.Error(t, empty.Validate())

	noKind := Mutation{}
	noKind.Set(FieldTransactionMix, 5)
	assert.Error(t, noKind.Validate())

	ok := selfSet(alice, FieldTransactionMix, 0)
	assert.NoError(t, ok.Validate())
}

func TestNext_SetsOnlyAssignedFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := &Profile{
		Account:           alice,
		TransactionVolume: 1000,
		WalletBalance:     2000,
		CreditScore:       scoring.Compute(scoring.Inputs{TransactionVolume: 1000, WalletBalance: 2000}),
		Version:           3,
		CreatedAt:         now.Add(-time.Hour),
	}

	updated, ev := next(current, selfSet(alice, FieldWalletBalance, 0), now)

	assert.Equal(t, uint64(1000), updated.TransactionVolume)
	assert.Zero(t, updated.WalletBalance)
	assert.Equal(t, 493, updated.CreditScore)
	assert.Equal(t, int64(4), updated.Version)
	assert.Equal(t, current.CreatedAt, updated.CreatedAt)
	assert.Equal(t, now, updated.UpdatedAt)

	// current is left untouched
	assert.Equal(t, uint64(2000), current.WalletBalance)

	assert.Equal(t, current.CreditScore, ev.PreviousScore)
	assert.Equal(t, updated.CreditScore, ev.CreditScore)
	assert.Equal(t, updated.Version, ev.Version)
	assert.Equal(t, []Field{FieldWalletBalance}, ev.Fields)
	assert.Equal(t, updated.Inputs(), ev.Inputs)
	assert.Contains(t, ev.ID, "evt_")
}

func TestNext_CreatesFromDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data := ExternalData{Volume: 100, Balance: 200, Frequency: 50, Mix: 25, NewTx: 10}

	updated, ev := next(Default(bob), data.Mutation(owner), now)

	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, now, updated.CreatedAt)
	assert.Equal(t, scoring.Compute(updated.Inputs()), updated.CreditScore)
	assert.Equal(t, scoring.MinScore, ev.PreviousScore)
	assert.Equal(t, KindIntegration, ev.Kind)
	assert.Equal(t, owner, ev.Caller)
}

func TestKey_Lowercase(t *testing.T) {
	assert.Equal(t, "0xaaaa000000000000000000000000000000000001", Key(alice))
}

func TestProfile_Breakdown(t *testing.T) {
	p := &Profile{TransactionVolume: 1000, WalletBalance: 2000, TransactionFrequency: 500, TransactionMix: 250, NewTransactions: 100}
	b := p.Breakdown()
	assert.Equal(t, scoring.Compute(p.Inputs()), b.Score)
}
