package domain

import (
	"testing"
)

func TestStageOrder(t *testing.T) {
	if len(StageOrder) != 17 {
		t.Fatalf("expected 17 stages, got %d", len(StageOrder))
	}
	if StageOrder[0] != StageQuantitative {
		t.Errorf("first stage should be quantitative, got %s", StageOrder[0])
	}
	if StageOrder[1] != StageQualitative {
		t.Errorf("second stage should be qualitative, got %s", StageOrder[1])
	}
	if StageOrder[len(StageOrder)-1] != StageExecutive {
		t.Errorf("last stage should be executive, got %s", StageOrder[len(StageOrder)-1])
	}

	seen := make(map[StageName]bool)
	for _, s := range StageOrder {
		if seen[s] {
			t.Errorf("duplicate stage %s", s)
		}
		seen[s] = true
	}
}

func TestStageName_IsValid(t *testing.T) {
	for _, s := range StageOrder {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if StageName("forecast").IsValid() {
		t.Error("unknown stage should be invalid")
	}
}

func TestStageName_IsCritical(t *testing.T) {
	critical := map[StageName]bool{
		StageQuantitative: true,
		StageQualitative:  true,
		StageExecutive:    true,
	}
	for _, s := range StageOrder {
		if s.IsCritical() != critical[s] {
			t.Errorf("%s: IsCritical = %v", s, s.IsCritical())
		}
	}
}

func TestStageName_FMCGOnly(t *testing.T) {
	fmcg := map[StageName]bool{
		StageCampaign:  true,
		StageChannel:   true,
		StageESG:       true,
		StagePackaging: true,
	}
	for _, s := range StageOrder {
		if s.FMCGOnly() != fmcg[s] {
			t.Errorf("%s: FMCGOnly = %v", s, s.FMCGOnly())
		}
	}
}

func TestStageStatus_IsTerminal(t *testing.T) {
	tests := map[StageStatus]bool{
		StageStatusPending: false,
		StageStatusRunning: false,
		StageStatusSuccess: true,
		StageStatusError:   true,
		StageStatusFailed:  true,
		StageStatusSkipped: true,
	}
	for status, want := range tests {
		if status.IsTerminal() != want {
			t.Errorf("%s: IsTerminal = %v, want %v", status, status.IsTerminal(), want)
		}
	}
}

func TestDocument_Accessors(t *testing.T) {
	doc, err := ToDocument(map[string]any{
		"periodo":  "2025-10",
		"metadata": map[string]any{"fragments_analyzed": 3},
		"items":    []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.String("periodo") != "2025-10" {
		t.Errorf("expected periodo, got %q", doc.String("periodo"))
	}
	if doc.Map("metadata")["fragments_analyzed"] != float64(3) {
		t.Errorf("expected numeric metadata, got %v", doc.Map("metadata"))
	}
	if len(doc.List("items")) != 2 {
		t.Errorf("expected 2 items, got %v", doc.List("items"))
	}
	if doc.Map("missing") != nil || doc.List("missing") != nil || doc.String("missing") != "" {
		t.Error("expected zero values for missing keys")
	}
}

func TestDocument_Clone(t *testing.T) {
	orig := Document{"nested": map[string]any{"k": "v"}}

	clone := orig.Clone()
	clone.Map("nested")["k"] = "changed"

	if orig.Map("nested")["k"] != "v" {
		t.Error("clone should not share nested maps")
	}
	if Document(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}
