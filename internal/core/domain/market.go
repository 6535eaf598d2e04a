package domain

// StageProfile tunes one generative stage for a market type.
type StageProfile struct {
	Temperature float32 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	// Focus is appended to the stage instruction to steer it to the market.
	Focus string `json:"focus,omitempty" yaml:"focus"`
}

// MarketProfile is the stage configuration of one market type.
type MarketProfile struct {
	Disabled []StageName                `json:"disabled,omitempty" yaml:"disabled"`
	Stages   map[StageName]StageProfile `json:"stages,omitempty" yaml:"stages"`
}

// Enabled reports whether stage may run for this market.
func (p MarketProfile) Enabled(stage StageName) bool {
	for _, s := range p.Disabled {
		if s == stage {
			return false
		}
	}
	return true
}

// Stage returns the tuning for stage, falling back to fallback for zero fields.
func (p MarketProfile) Stage(stage StageName, fallback StageProfile) StageProfile {
	sp, ok := p.Stages[stage]
	if !ok {
		return fallback
	}
	if sp.Temperature == 0 {
		sp.Temperature = fallback.Temperature
	}
	if sp.MaxTokens == 0 {
		sp.MaxTokens = fallback.MaxTokens
	}
	if sp.Focus == "" {
		sp.Focus = fallback.Focus
	}
	return sp
}

// MarketProfiles maps market types to profiles with an explicit default.
type MarketProfiles struct {
	Default  MarketProfile                `json:"default" yaml:"default"`
	ByMarket map[MarketType]MarketProfile `json:"markets" yaml:"markets"`
}

// DefaultMarketProfiles returns the built-in profiles used when no file is configured.
func DefaultMarketProfiles() MarketProfiles {
	return MarketProfiles{
		ByMarket: map[MarketType]MarketProfile{
			MarketTypeFMCG: {
				Stages: map[StageName]StageProfile{
					StageChannel:   {Focus: "retail, e-commerce and distribution channels"},
					StagePackaging: {Focus: "packaging formats, sizes and sustainability claims"},
				},
			},
			MarketTypeDigital: {
				Stages: map[StageName]StageProfile{
					StageCustomerJourney: {Focus: "onboarding, activation and retention"},
					StagePricingPower:    {Focus: "subscription tiers and freemium conversion"},
				},
			},
			MarketTypeHealth: {
				Stages: map[StageName]StageProfile{
					StageSentiment: {Focus: "trust, safety and clinical evidence"},
				},
			},
		},
	}
}

// Resolve returns the profile of a market type, or the default profile.
func (m MarketProfiles) Resolve(mt MarketType) MarketProfile {
	if p, ok := m.ByMarket[mt]; ok {
		return p
	}
	return m.Default
}

// StageApplies reports whether stage runs for a market type. FMCG-only
// stages are gated first, then the market profile may disable optional
// stages. Critical stages are never disabled.
func (m MarketProfiles) StageApplies(stage StageName, mt MarketType) bool {
	if stage.FMCGOnly() && mt != MarketTypeFMCG {
		return false
	}
	if stage.IsCritical() {
		return true
	}
	return m.Resolve(mt).Enabled(stage)
}
