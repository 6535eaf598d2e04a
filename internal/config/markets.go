package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// LoadMarketProfiles reads market profiles from a YAML file:
//
//	default:
//	  disabled: [scenario_planning]
//	markets:
//	  DIGITAL:
//	    stages:
//	      pricing_power: {temperature: 0.4, focus: "subscription tiers"}
//
// The built-in profiles are returned when path is empty or missing.
func LoadMarketProfiles(path string) (domain.MarketProfiles, error) {
	if path == "" {
		return domain.DefaultMarketProfiles(), nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.DefaultMarketProfiles(), nil
	}
	if err != nil {
		return domain.MarketProfiles{}, fmt.Errorf("read market profiles: %w", err)
	}

	return ParseMarketProfiles(raw)
}

// ParseMarketProfiles decodes and validates a market profile document.
func ParseMarketProfiles(raw []byte) (domain.MarketProfiles, error) {
	var profiles domain.MarketProfiles
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return domain.MarketProfiles{}, fmt.Errorf("%w: parse market profiles: %v", domain.ErrInvalidInput, err)
	}

	if err := validateProfile("default", profiles.Default); err != nil {
		return domain.MarketProfiles{}, err
	}
	for market, profile := range profiles.ByMarket {
		if domain.ParseMarketType(string(market)) != market {
			return domain.MarketProfiles{}, fmt.Errorf("%w: unknown market type %q", domain.ErrInvalidInput, market)
		}
		if err := validateProfile(string(market), profile); err != nil {
			return domain.MarketProfiles{}, err
		}
	}
	return profiles, nil
}

func validateProfile(name string, p domain.MarketProfile) error {
	for _, stage := range p.Disabled {
		if !stage.IsValid() {
			return fmt.Errorf("%w: profile %s disables unknown stage %q", domain.ErrInvalidInput, name, stage)
		}
		if stage.IsCritical() {
			return fmt.Errorf("%w: profile %s cannot disable critical stage %s", domain.ErrInvalidInput, name, stage)
		}
	}
	for stage, sp := range p.Stages {
		if !stage.IsValid() {
			return fmt.Errorf("%w: profile %s tunes unknown stage %q", domain.ErrInvalidInput, name, stage)
		}
		if sp.Temperature < 0 || sp.Temperature > 2 {
			return fmt.Errorf("%w: profile %s stage %s temperature out of range", domain.ErrInvalidInput, name, stage)
		}
	}
	return nil
}
