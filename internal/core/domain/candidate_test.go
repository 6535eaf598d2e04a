package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestBrandCandidate_Merge(t *testing.T) {
	first := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	c := &BrandCandidate{
		Name:        "Moet",
		Aliases:     []string{"Moët", "Moet"},
		Confidence:  0.4,
		Occurrences: 2,
		LastSeen:    first,
	}
	c.Merge(&BrandCandidate{Name: "Moet", Aliases: []string{"Moet & Chandon", "Moet"}, Confidence: 0.8, LastSeen: later})

	if c.Occurrences != 3 {
		t.Errorf("expected 3 occurrences, got %d", c.Occurrences)
	}
	if c.Confidence != 0.8 {
		t.Errorf("expected max confidence 0.8, got %v", c.Confidence)
	}
	want := []string{"Moet", "Moet & Chandon", "Moët"}
	if !reflect.DeepEqual(c.Aliases, want) {
		t.Errorf("aliases = %v, want %v", c.Aliases, want)
	}
	if !c.LastSeen.Equal(later) {
		t.Errorf("expected LastSeen to advance")
	}

	c.Merge(&BrandCandidate{Confidence: 0.1})
	if c.Confidence != 0.8 {
		t.Error("lower confidence should not replace the maximum")
	}
}

func TestMergeAliases(t *testing.T) {
	got := MergeAliases([]string{" b ", ""}, []string{"a", "b"})
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeAliases = %v, want %v", got, want)
	}
}
