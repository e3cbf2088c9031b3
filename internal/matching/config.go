package matching

import "github.com/shopspring/decimal"

// FeeTable holds the per-fill cost-model fee schedule.
type FeeTable struct {
	PerShareCommission  decimal.Decimal
	PerOrderCommission  decimal.Decimal
	SECFeePerMillion    decimal.Decimal
	TAFFeePerShare      decimal.Decimal
	FINRATAFCap         decimal.Decimal
	MakerRebatePerShare decimal.Decimal
	TakerFeePerShare    decimal.Decimal
}

// Config is the matching engine's policy knobs, mapping directly onto
// spec.md §6's configuration table.
type Config struct {
	EnableLatency      bool
	FixedLatencyUs     int64
	RandomLatencyMaxUs int64

	EnableSlippage       bool
	FixedSlippageBps     decimal.Decimal
	RandomSlippageMaxBps decimal.Decimal

	EnableMarketImpact      bool
	MarketImpactBps         decimal.Decimal
	MarketImpactPerShareBps decimal.Decimal
	MarketImpactSqrtCoef    decimal.Decimal

	EnablePartialFills     bool
	PartialFillProbability float64
	RejectionProbability   float64

	AllowShorting       bool
	MaxPositionValue    decimal.Decimal
	MaxSingleOrderValue decimal.Decimal

	Fees FeeTable

	// Seed drives the deterministic PRNG used for latency/slippage/
	// partial-fill/rejection draws, satisfying spec.md §8's determinism
	// property: identical seed + identical inputs reproduce identical
	// fills.
	Seed int64
}

// DefaultConfig returns a zero-cost-model configuration: no latency, no
// slippage, no impact, a flat fee table of zeros. Tests and the
// "max speed, no friction" scenarios build on this.
func DefaultConfig() Config {
	zero := decimal.Zero
	return Config{
		FixedSlippageBps:     zero,
		RandomSlippageMaxBps: zero,
		MarketImpactBps:      zero,
		MarketImpactPerShareBps: zero,
		MarketImpactSqrtCoef: zero,
		MaxPositionValue:     decimal.NewFromInt(1 << 40),
		MaxSingleOrderValue:  decimal.NewFromInt(1 << 40),
		AllowShorting:        true,
		Fees: FeeTable{
			PerShareCommission:  zero,
			PerOrderCommission:  zero,
			SECFeePerMillion:    zero,
			TAFFeePerShare:      zero,
			FINRATAFCap:         zero,
			MakerRebatePerShare: zero,
			TakerFeePerShare:    zero,
		},
	}
}
