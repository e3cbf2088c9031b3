package config

import "broker-sim/internal/matching"

// ToMatchingConfig projects the process-wide cost-model settings onto
// a matching.Config for a new session, seeded for deterministic
// replay per spec.md §8.
func (c *Config) ToMatchingConfig(seed int64) matching.Config {
	return matching.Config{
		EnableLatency:      c.EnableLatency,
		FixedLatencyUs:     c.FixedLatencyUs,
		RandomLatencyMaxUs: c.RandomLatencyMaxUs,

		EnableSlippage:       c.EnableSlippage,
		FixedSlippageBps:     c.FixedSlippageBps,
		RandomSlippageMaxBps: c.RandomSlippageMaxBps,

		EnableMarketImpact:      c.EnableMarketImpact,
		MarketImpactBps:         c.MarketImpactBps,
		MarketImpactPerShareBps: c.MarketImpactPerShareBps,
		MarketImpactSqrtCoef:    c.MarketImpactSqrtCoef,

		EnablePartialFills:     c.EnablePartialFills,
		PartialFillProbability: c.PartialFillProbability,
		RejectionProbability:   c.RejectionProbability,

		AllowShorting:       c.AllowShorting,
		MaxPositionValue:    c.MaxPositionValue,
		MaxSingleOrderValue: c.MaxSingleOrderValue,

		Fees: matching.FeeTable{
			PerShareCommission:  c.Fees.PerShareCommission,
			PerOrderCommission:  c.Fees.PerOrderCommission,
			SECFeePerMillion:    c.Fees.SECFeePerMillion,
			TAFFeePerShare:      c.Fees.TAFFeePerShare,
			FINRATAFCap:         c.Fees.FINRATAFCap,
			MakerRebatePerShare: c.Fees.MakerRebatePerShare,
			TakerFeePerShare:    c.Fees.TakerFeePerShare,
		},

		Seed: seed,
	}
}
