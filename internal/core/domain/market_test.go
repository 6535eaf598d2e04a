package domain

import "testing"

func TestMarketProfiles_StageApplies(t *testing.T) {
	profiles := MarketProfiles{
		Default: MarketProfile{Disabled: []StageName{StageROI}},
		ByMarket: map[MarketType]MarketProfile{
			MarketTypeHealth: {Disabled: []StageName{StageScenarioPlanning, StageQualitative}},
		},
	}

	tests := []struct {
		name   string
		stage  StageName
		market MarketType
		want   bool
	}{
		{"fmcg stage on fmcg", StageCampaign, MarketTypeFMCG, true},
		{"fmcg stage on digital", StagePackaging, MarketTypeDigital, false},
		{"fmcg stage on generic", StageESG, MarketTypeGeneric, false},
		{"market disables optional stage", StageScenarioPlanning, MarketTypeHealth, false},
		{"critical stage cannot be disabled", StageQualitative, MarketTypeHealth, true},
		{"default profile for unknown market", StageROI, MarketTypeGeneric, false},
		{"market profile replaces default", StageROI, MarketTypeHealth, true},
		{"plain optional stage", StageSentiment, MarketTypeDigital, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := profiles.StageApplies(tt.stage, tt.market); got != tt.want {
				t.Errorf("StageApplies(%s, %s) = %v, want %v", tt.stage, tt.market, got, tt.want)
			}
		})
	}
}

func TestMarketProfile_Stage(t *testing.T) {
	p := MarketProfile{Stages: map[StageName]StageProfile{
		StageChannel: {Focus: "retail"},
	}}
	fallback := StageProfile{Temperature: 0.3, MaxTokens: 4000, Focus: "generic"}

	got := p.Stage(StageChannel, fallback)
	if got.Focus != "retail" || got.Temperature != 0.3 || got.MaxTokens != 4000 {
		t.Errorf("unexpected merged profile %+v", got)
	}

	if got := p.Stage(StageTrends, fallback); got != fallback {
		t.Errorf("expected fallback, got %+v", got)
	}
}

func TestDefaultMarketProfiles(t *testing.T) {
	profiles := DefaultMarketProfiles()
	for _, s := range StageOrder {
		if s.FMCGOnly() {
			continue
		}
		if !profiles.StageApplies(s, MarketTypeGeneric) {
			t.Errorf("default profiles should enable %s", s)
		}
	}
	if profiles.Resolve(MarketTypeFMCG).Stages[StageChannel].Focus == "" {
		t.Error("expected FMCG channel focus")
	}
}
