// Package scoring computes credit scores from raw transactional metrics.
//
// The computation is exact integer arithmetic:
//
//  1. each raw metric is normalized by truncating division by 10
//  2. normalized values are weighted (weights sum to 100) and summed in
//     hundredths of a point
//  3. the sum is capped at 100 points
//  4. the capped sum is mapped linearly onto [300, 850], rounding half up
//
// The package has no state and is safe for concurrent use.
package scoring

const (
	// MinScore is the floor of the published score range.
	MinScore = 300
	// MaxScore is the ceiling of the published score range.
	MaxScore = 850

	// NormalizationDivisor is applied to every raw metric before weighting.
	NormalizationDivisor = 10

	// maxWeighted is the cap on the weighted sum, in hundredths of a point.
	maxWeighted = 100 * 100

	// saturation bounds a normalized value before it is multiplied by its
	// weight. Any single metric at this level exceeds maxWeighted on its own,
	// so saturating cannot change the result.
	saturation = maxWeighted
)

// Inputs are the five raw metrics of a credit profile.
type Inputs struct {
	TransactionVolume    uint64 `json:"transactionVolume"`
	WalletBalance        uint64 `json:"walletBalance"`
	TransactionFrequency uint64 `json:"transactionFrequency"`
	TransactionMix       uint64 `json:"transactionMix"`
	NewTransactions      uint64 `json:"newTransactions"`
}

// Weights assigns a percentage weight to each metric.
type Weights struct {
	Volume    uint64
	Balance   uint64
	Frequency uint64
	Mix       uint64
	NewTx     uint64
}

// DefaultWeights sum to exactly 100.
var DefaultWeights = Weights{
	Volume:    35,
	Balance:   30,
	Frequency: 15,
	Mix:       10,
	NewTx:     10,
}

// Component is one metric's share of the score.
type Component struct {
	Raw        uint64 `json:"raw"`
	Normalized uint64 `json:"normalized"`
	Weight     uint64 `json:"weight"`
	// Contribution is normalized*weight/100, expressed in hundredths.
	Contribution uint64 `json:"contributionHundredths"`
}

// Breakdown explains how a score was reached.
type Breakdown struct {
	TransactionVolume    Component `json:"transactionVolume"`
	WalletBalance        Component `json:"walletBalance"`
	TransactionFrequency Component `json:"transactionFrequency"`
	TransactionMix       Component `json:"transactionMix"`
	NewTransactions      Component `json:"newTransactions"`

	// WeightedSum and CappedSum are in hundredths of a point.
	WeightedSum uint64 `json:"weightedSumHundredths"`
	CappedSum   uint64 `json:"cappedSumHundredths"`
	Capped      bool   `json:"capped"`
	Score       int    `json:"creditScore"`
}

// Compute returns the credit score for in using DefaultWeights.
func Compute(in Inputs) int {
	return Explain(in).Score
}

// Explain computes the score and returns every intermediate value.
func Explain(in Inputs) Breakdown {
	return DefaultWeights.Explain(in)
}

// Explain computes the score for in under w.
func (w Weights) Explain(in Inputs) Breakdown {
	b := Breakdown{
		TransactionVolume:    component(in.TransactionVolume, w.Volume),
		WalletBalance:        component(in.WalletBalance, w.Balance),
		TransactionFrequency: component(in.TransactionFrequency, w.Frequency),
		TransactionMix:       component(in.TransactionMix, w.Mix),
		NewTransactions:      component(in.NewTransactions, w.NewTx),
	}

	b.WeightedSum = b.TransactionVolume.Contribution +
		b.WalletBalance.Contribution +
		b.TransactionFrequency.Contribution +
		b.TransactionMix.Contribution +
		b.NewTransactions.Contribution

	b.CappedSum = b.WeightedSum
	if b.CappedSum > maxWeighted {
		b.CappedSum = maxWeighted
		b.Capped = true
	}

	b.Score = Scale(b.CappedSum)
	return b
}

// Compute returns the credit score for in under w.
func (w Weights) Compute(in Inputs) int {
	return w.Explain(in).Score
}

// Total returns the sum of the weights.
func (w Weights) Total() uint64 {
	return w.Volume + w.Balance + w.Frequency + w.Mix + w.NewTx
}

// Scale maps a capped weighted sum in hundredths of a point onto
// [MinScore, MaxScore], rounding half up. Inputs above the cap are clamped.
func Scale(hundredths uint64) int {
	if hundredths > maxWeighted {
		hundredths = maxWeighted
	}
	span := uint64(MaxScore - MinScore)
	// round(h * span / 10000) == (h*span + 5000) / 10000 for non-negative h.
	return MinScore + int((hundredths*span+maxWeighted/2)/maxWeighted)
}

// Normalize applies the truncating normalization step to a raw metric.
func Normalize(raw uint64) uint64 {
	return raw / NormalizationDivisor
}

func component(raw, weight uint64) Component {
	n := Normalize(raw)
	sat := n
	if sat > saturation {
		sat = saturation
	}
	return Component{
		Raw:          raw,
		Normalized:   n,
		Weight:       weight,
		Contribution: sat * weight,
	}
}
