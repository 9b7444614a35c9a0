package scoring

import (
	"math"
	"math/rand"
	"testing"
)

func TestCompute_ZeroInputsYieldFloor(t *testing.T) {
	if got := Compute(Inputs{}); got != MinScore {
		t.Fatalf("expected %d for zero inputs, got %d", MinScore, got)
	}
}

func TestCompute_ReferenceScenarioIsCapped(t *testing.T) {
	in := Inputs{
		TransactionVolume:    1000,
		WalletBalance:        2000,
		TransactionFrequency: 500,
		TransactionMix:       250,
		NewTransactions:      100,
	}

	b := Explain(in)
	// 35 + 60 + 7.5 + 2.5 + 1 = 106 points
	if b.WeightedSum != 10600 {
		t.Errorf("weighted sum: got %d, want 10600", b.WeightedSum)
	}
	if !b.Capped || b.CappedSum != 10000 {
		t.Errorf("expected cap at 10000, got capped=%v sum=%d", b.Capped, b.CappedSum)
	}
	if b.Score != 850 {
		t.Errorf("score: got %d, want 850", b.Score)
	}
}

func TestCompute_VolumeOnly(t *testing.T) {
	// normalized 10 * 35 / 100 = 3.5 points -> round(3.5*5.5 + 300) = round(319.25)
	if got := Compute(Inputs{TransactionVolume: 100}); got != 319 {
		t.Fatalf("expected 319, got %d", got)
	}
}

func TestCompute_NormalizationTruncates(t *testing.T) {
	// 19/10 truncates to 1, same as 10/10.
	if Compute(Inputs{TransactionVolume: 19}) != Compute(Inputs{TransactionVolume: 10}) {
		t.Error("normalization should discard the remainder")
	}
	if Compute(Inputs{WalletBalance: 9}) != MinScore {
		t.Error("values below 10 normalize to zero")
	}
}

func TestCompute_Breakdown(t *testing.T) {
	b := Explain(Inputs{TransactionVolume: 1000, TransactionMix: 255})

	if b.TransactionVolume.Normalized != 100 || b.TransactionVolume.Contribution != 3500 {
		t.Errorf("volume component: %+v", b.TransactionVolume)
	}
	if b.TransactionMix.Normalized != 25 || b.TransactionMix.Contribution != 250 {
		t.Errorf("mix component: %+v", b.TransactionMix)
	}
	if b.WeightedSum != 3750 || b.Capped {
		t.Errorf("sum: got %d capped=%v", b.WeightedSum, b.Capped)
	}
	// 37.5 * 5.5 = 206.25 -> 506
	if b.Score != 506 {
		t.Errorf("score: got %d, want 506", b.Score)
	}
}

func TestCompute_MaximalInputsSaturate(t *testing.T) {
	maxed := Inputs{
		TransactionVolume:    math.MaxUint64,
		WalletBalance:        math.MaxUint64,
		TransactionFrequency: math.MaxUint64,
		TransactionMix:       math.MaxUint64,
		NewTransactions:      math.MaxUint64,
	}
	if got := Compute(maxed); got != MaxScore {
		t.Fatalf("expected %d for maximal inputs, got %d", MaxScore, got)
	}

	// Each field alone past its cap threshold reaches the ceiling.
	single := []Inputs{
		{TransactionVolume: 2900},    // 290 * 35 = 10150
		{WalletBalance: 3400},        // 340 * 30 = 10200
		{TransactionFrequency: 6700}, // 670 * 15 = 10050
		{TransactionMix: 10000},      // 1000 * 10 = 10000
		{NewTransactions: math.MaxUint64},
	}
	for i, in := range single {
		if got := Compute(in); got != MaxScore {
			t.Errorf("case %d: expected %d, got %d", i, MaxScore, got)
		}
	}
}

func TestCompute_AlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		in := Inputs{
			TransactionVolume:    rng.Uint64() >> uint(rng.Intn(64)),
			WalletBalance:        rng.Uint64() >> uint(rng.Intn(64)),
			TransactionFrequency: rng.Uint64() >> uint(rng.Intn(64)),
			TransactionMix:       rng.Uint64() >> uint(rng.Intn(64)),
			NewTransactions:      rng.Uint64() >> uint(rng.Intn(64)),
		}
		got := Compute(in)
		if got < MinScore || got > MaxScore {
			t.Fatalf("score %d out of range for %+v", got, in)
		}
	}
}

func TestCompute_Monotonic(t *testing.T) {
	prev := Compute(Inputs{})
	for v := uint64(0); v <= 3000; v += 7 {
		got := Compute(Inputs{TransactionVolume: v})
		if got < prev {
			t.Fatalf("score decreased at volume %d: %d < %d", v, got, prev)
		}
		prev = got
	}
}

func TestScale_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		hundredths uint64
		want       int
	}{
		{0, 300},
		{350, 319},   // 19.25
		{10, 301},    // 0.55 -> 1
		{9, 300},     // 0.495 -> 0
		{100, 306},   // 5.5 -> 6
		{5000, 575},  // 275
		{10000, 850}, // 550
		{20000, 850}, // clamped
	}
	for _, tt := range tests {
		if got := Scale(tt.hundredths); got != tt.want {
			t.Errorf("Scale(%d): got %d, want %d", tt.hundredths, got, tt.want)
		}
	}
}

func TestDefaultWeights_SumTo100(t *testing.T) {
	if got := DefaultWeights.Total(); got != 100 {
		t.Fatalf("weights should sum to 100, got %d", got)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	in := Inputs{TransactionVolume: 1234, WalletBalance: 5678, TransactionFrequency: 91, TransactionMix: 11, NewTransactions: 3}
	first := Compute(in)
	for i := 0; i < 100; i++ {
		if Compute(in) != first {
			t.Fatal("compute is not deterministic")
		}
	}
}
