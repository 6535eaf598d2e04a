package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
)

func newTestDiscovery(t *testing.T) (*DiscoveryService, *mocks.MockGenerativeService, *mocks.MockCandidateStore) {
	t.Helper()
	services, _, generator := newTestServices()
	candidates := mocks.NewMockCandidateStore()
	return NewDiscoveryService(DiscoveryConfig{Services: services, Candidates: candidates}), generator, candidates
}

var trackedCava = []*domain.TrackedEntity{
	{Name: "Freixenet", Aliases: []string{"freixenet"}},
	{Name: "Codorniu", Aliases: []string{"codorníu"}},
}

func TestDiscovery_LLMCandidates(t *testing.T) {
	svc, generator, candidates := newTestDiscovery(t)
	generator.Enqueue(`{"candidatos":[
		{"nombre":"Juvé & Camps","aliases":["Juve y Camps","Juvé & Camps"],"confianza":0.9},
		{"nombre":"freixenet","aliases":[],"confianza":0.99},
		{"nombre":"Anna de Codorníu"},
		{"nombre":"  "}
	]}`)

	obs := &domain.RawObservation{ID: 5, Text: "Juvé & Camps y Anna de Codorníu compiten con Freixenet.", Timestamp: oct5}
	found, err := svc.Discover(context.Background(), 1, trackedCava, obs)
	require.NoError(t, err)
	require.Len(t, found, 2)

	juve, err := candidates.Get(context.Background(), 1, "Juvé & Camps")
	require.NoError(t, err)
	assert.Equal(t, domain.CandidatePending, juve.Status)
	assert.Equal(t, 1, juve.Occurrences)
	assert.InDelta(t, 0.9, juve.Confidence, 1e-9)
	assert.Equal(t, []string{"Juve y Camps", "Juvé & Camps"}, juve.Aliases)
	assert.Equal(t, sourceLLM, juve.Source)
	assert.Equal(t, oct5, juve.FirstSeen)

	anna, err := candidates.Get(context.Background(), 1, "Anna de Codorníu")
	require.NoError(t, err)
	assert.InDelta(t, defaultLLMConfidence, anna.Confidence, 1e-9)

	req := generator.Requests()[0]
	assert.True(t, req.JSON)
	assert.InDelta(t, 0.2, req.Temperature, 1e-6)
}

func TestDiscovery_HeuristicFallback(t *testing.T) {
	svc, generator, candidates := newTestDiscovery(t)
	generator.Enqueue("I am unable to answer in JSON")

	obs := &domain.RawObservation{ID: 6, Text: "Prefiero Raventós Codorníu o Gramona antes que Freixenet. El cava es ok.", Timestamp: oct5}
	found, err := svc.Discover(context.Background(), 1, trackedCava, obs)
	require.NoError(t, err)

	var names []string
	for _, c := range found {
		names = append(names, c.Name)
		assert.InDelta(t, heuristicConfidence, c.Confidence, 1e-9)
		assert.Equal(t, sourceHeuristic, c.Source)
	}
	// "El" is too short and Freixenet is already tracked.
	assert.Equal(t, []string{"Gramona", "Prefiero Raventós Codorníu"}, names)

	list, err := candidates.List(context.Background(), 1, domain.CandidatePending)
	require.NoError(t, err)
	assert.Len(t, list, len(found))
}

func TestDiscovery_MergesRepeatedSightings(t *testing.T) {
	svc, generator, candidates := newTestDiscovery(t)
	generator.Enqueue(
		`{"candidatos":[{"nombre":"Gramona","aliases":["gramona"],"confianza":0.6}]}`,
		`{"candidatos":[{"nombre":"Gramona","aliases":["Gramona Cava"],"confianza":0.8}]}`,
		`{"candidatos":[{"nombre":"Gramona","aliases":[],"confianza":0.5}]}`,
	)

	for i := 0; i < 3; i++ {
		_, err := svc.Discover(context.Background(), 1, trackedCava, &domain.RawObservation{ID: int64(i + 1), Text: "Gramona", Timestamp: oct5})
		require.NoError(t, err)
	}

	c, err := candidates.Get(context.Background(), 1, "Gramona")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Occurrences)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
	assert.Equal(t, []string{"Gramona Cava", "gramona"}, c.Aliases)
}

func TestDiscovery_EmptyText(t *testing.T) {
	svc, generator, _ := newTestDiscovery(t)
	found, err := svc.Discover(context.Background(), 1, trackedCava, &domain.RawObservation{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Zero(t, generator.Calls())
}

func TestExtractHeuristic_Length(t *testing.T) {
	found := extractHeuristic("ok AB y Gramona y " + strings.Repeat("Muy", 15))
	var names []string
	for _, c := range found {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Gramona"}, names)
}
