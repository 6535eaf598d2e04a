package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

const (
	// defaultTrendPeriods is the length of the multi-period SOV series.
	defaultTrendPeriods = 6

	highOutlierFactor = 1.5
	lowOutlierFactor  = 0.5

	// BrusqueChangePoints is the SOV shift, in percentage points, flagged as abrupt.
	BrusqueChangePoints = 5.0
)

// Ensure QuantitativeEngine implements Stage
var _ Stage = (*QuantitativeEngine)(nil)

// QuantitativeEngine computes mention counts, shares, co-occurrence,
// concentration, outliers and trends from the raw observations of a window.
// It is deterministic and never calls an external provider.
type QuantitativeEngine struct {
	observations driven.ObservationStore
	results      driven.ResultStore
	logger       *slog.Logger
	trendPeriods int
}

// QuantitativeConfig holds configuration for the quantitative engine.
type QuantitativeConfig struct {
	Observations driven.ObservationStore
	Results      driven.ResultStore
	Logger       *slog.Logger
	TrendPeriods int // Length of sov_trend_data series (default: 6)
}

// NewQuantitativeEngine creates a new quantitative engine.
func NewQuantitativeEngine(cfg QuantitativeConfig) *QuantitativeEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trend := cfg.TrendPeriods
	if trend <= 0 {
		trend = defaultTrendPeriods
	}
	return &QuantitativeEngine{
		observations: cfg.Observations,
		results:      cfg.Results,
		logger:       logger,
		trendPeriods: trend,
	}
}

func (e *QuantitativeEngine) Name() domain.StageName { return domain.StageQuantitative }

func (e *QuantitativeEngine) Requires() []domain.StageName { return nil }

// Execute computes the quantitative report of the run window.
func (e *QuantitativeEngine) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	report, err := e.Compute(ctx, rc.Subject.ID, rc.Period, rc.Entities)
	if err != nil {
		return nil, err
	}
	doc, err := domain.ToDocument(report)
	if err != nil {
		return nil, fmt.Errorf("encode quantitative report: %w", err)
	}
	return &StageOutput{Document: doc}, nil
}

// Compute builds the quantitative report for subjectID over period.
// Empty inputs yield a *domain.NoDataError.
func (e *QuantitativeEngine) Compute(ctx context.Context, subjectID int64, period domain.Period, entities []*domain.TrackedEntity) (*domain.QuantitativeReport, error) {
	if len(entities) == 0 {
		return nil, &domain.NoDataError{Stage: domain.StageQuantitative, Reason: "no entities configured"}
	}

	observations, err := e.observations.ListObservations(ctx, subjectID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	if len(observations) == 0 {
		return nil, &domain.NoDataError{Stage: domain.StageQuantitative, Reason: "no observations in window"}
	}

	mentioned := detectMentions(observations, entities)
	counts, total := countMentions(mentioned)
	if total == 0 {
		return nil, &domain.NoDataError{Stage: domain.StageQuantitative, Reason: "zero total mentions"}
	}

	sov := shareOfVoice(counts, total)

	report := &domain.QuantitativeReport{
		Period:           period.Token,
		SubjectID:        subjectID,
		TotalMentions:    total,
		TotalExecutions:  len(observations),
		EntitiesSeen:     len(counts),
		MentionsByEntity: counts,
		SOV:              sov,
		Ranking:          rankEntities(counts, sov),
		CoOccurrences:    coOccurrences(mentioned),
		Outliers:         domain.Outliers{High: []domain.OutlierEntry{}, Low: []domain.OutlierEntry{}, Abrupt: []domain.AbruptChange{}},
		Concentration:    concentration(sov),
		ShareShift:       []domain.ShareShift{},
		Metadata:         windowMetadata(observations, period),
	}
	report.Outliers.High, report.Outliers.Low = outlierBands(sov)

	prevToken, prevSOV, err := e.previousSOV(ctx, subjectID, period)
	if err != nil {
		return nil, err
	}
	if prevToken != "" {
		report.ShareShift = shareShift(sov, prevSOV, prevToken)
		report.Outliers.Abrupt = abruptChanges(report.ShareShift)
	}

	if period.Granularity == domain.GranularityRange {
		report.SOVTrend = singlePointTrend(period.Token, sov)
		report.SOVByDay = dailySOV(period, observations, mentioned)
	} else {
		trend, err := e.trend(ctx, subjectID, period, sov)
		if err != nil {
			return nil, err
		}
		report.SOVTrend = trend
	}

	e.logger.Debug("quantitative metrics computed",
		"subject_id", subjectID,
		"period", period.Token,
		"observations", len(observations),
		"total_mentions", total,
		"hhi", report.Concentration.HHI,
	)

	return report, nil
}

// previousSOV loads the SOV map of the immediately preceding period. The
// token is empty when the period has no predecessor or none was stored.
func (e *QuantitativeEngine) previousSOV(ctx context.Context, subjectID int64, period domain.Period) (string, map[string]float64, error) {
	prevToken, err := domain.PreviousPeriod(period.Token)
	if err != nil || prevToken == "" {
		return "", nil, nil
	}
	prev, err := e.results.Get(ctx, subjectID, prevToken, domain.StageQuantitative)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load previous quantitative result: %w", err)
	}
	return prevToken, domain.SOVFromDocument(prev.Document), nil
}

// trend collects the stored SOV of the last periods into per-entity series.
// The current period uses the freshly computed shares.
func (e *QuantitativeEngine) trend(ctx context.Context, subjectID int64, period domain.Period, current map[string]float64) (map[string][]domain.TrendPoint, error) {
	tokens, err := domain.LastPeriods(period.Token, e.trendPeriods)
	if err != nil {
		return nil, err
	}

	var (
		periods []string
		shares  []map[string]float64
		names   = make(map[string]bool)
	)
	for _, token := range tokens {
		sov := current
		if token != period.Token {
			res, err := e.results.Get(ctx, subjectID, token, domain.StageQuantitative)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load quantitative result %s: %w", token, err)
			}
			sov = domain.SOVFromDocument(res.Document)
		}
		for name := range sov {
			names[name] = true
		}
		periods = append(periods, token)
		shares = append(shares, sov)
	}

	out := make(map[string][]domain.TrendPoint, len(names))
	for name := range names {
		series := make([]domain.TrendPoint, len(periods))
		for i, token := range periods {
			series[i] = domain.TrendPoint{Period: token, SOV: shares[i][name]}
		}
		out[name] = series
	}
	return out, nil
}

// detectMentions returns, per observation, the distinct entity names it mentions.
func detectMentions(observations []*domain.RawObservation, entities []*domain.TrackedEntity) [][]string {
	out := make([][]string, len(observations))
	for i, obs := range observations {
		lower := strings.ToLower(obs.Text)
		seen := make(map[string]bool)
		for _, entity := range entities {
			if seen[entity.Name] || !entity.MentionedIn(lower) {
				continue
			}
			seen[entity.Name] = true
			out[i] = append(out[i], entity.Name)
		}
	}
	return out
}

func countMentions(mentioned [][]string) (map[string]int, int) {
	counts := make(map[string]int)
	total := 0
	for _, names := range mentioned {
		for _, name := range names {
			counts[name]++
			total++
		}
	}
	return counts, total
}

func shareOfVoice(counts map[string]int, total int) map[string]float64 {
	sov := make(map[string]float64, len(counts))
	for name, n := range counts {
		sov[name] = float64(n) / float64(total) * 100
	}
	return sov
}

// rankEntities orders by mentions descending, then name.
func rankEntities(counts map[string]int, sov map[string]float64) []domain.RankingEntry {
	ranking := make([]domain.RankingEntry, 0, len(counts))
	for name, n := range counts {
		ranking = append(ranking, domain.RankingEntry{Entity: name, Mentions: n, SOV: sov[name]})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Mentions != ranking[j].Mentions {
			return ranking[i].Mentions > ranking[j].Mentions
		}
		return ranking[i].Entity < ranking[j].Entity
	})
	return ranking
}

// coOccurrences counts unordered entity pairs per observation, keyed "A + B"
// with the names in lexicographic order.
func coOccurrences(mentioned [][]string) map[string]int {
	pairs := make(map[string]int)
	for _, names := range mentioned {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				pairs[sorted[i]+" + "+sorted[j]]++
			}
		}
	}
	return pairs
}

// outlierBands splits entities into high (>= 1.5x mean) and low (<= 0.5x mean) SOV.
func outlierBands(sov map[string]float64) (high, low []domain.OutlierEntry) {
	high, low = []domain.OutlierEntry{}, []domain.OutlierEntry{}
	if len(sov) == 0 {
		return high, low
	}

	names := sortedKeys(sov)
	var sum float64
	for _, name := range names {
		sum += sov[name]
	}
	mean := sum / float64(len(names))
	highThr := mean * highOutlierFactor
	lowThr := mean * lowOutlierFactor

	for _, name := range names {
		v := sov[name]
		switch {
		case v >= highThr:
			high = append(high, domain.OutlierEntry{Entity: name, SOV: v, Threshold: highThr})
		case v <= lowThr:
			low = append(low, domain.OutlierEntry{Entity: name, SOV: v, Threshold: lowThr})
		}
	}
	return high, low
}

// shareShift computes deltas over the union of current and previous entities.
func shareShift(current, previous map[string]float64, prevToken string) []domain.ShareShift {
	names := make(map[string]float64, len(current)+len(previous))
	for name := range current {
		names[name] = 0
	}
	for name := range previous {
		names[name] = 0
	}

	out := make([]domain.ShareShift, 0, len(names))
	for _, name := range sortedKeys(names) {
		now, prev := current[name], previous[name]
		delta := now - prev
		rel := 0.0
		if prev != 0 {
			rel = delta / prev * 100
		}
		out = append(out, domain.ShareShift{
			Entity:         name,
			Current:        now,
			Previous:       prev,
			DeltaPoints:    delta,
			DeltaRelPct:    rel,
			Abrupt:         math.Abs(delta) >= BrusqueChangePoints,
			PreviousPeriod: prevToken,
		})
	}
	return out
}

func abruptChanges(shifts []domain.ShareShift) []domain.AbruptChange {
	out := []domain.AbruptChange{}
	for _, s := range shifts {
		if !s.Abrupt {
			continue
		}
		out = append(out, domain.AbruptChange{
			Entity:         s.Entity,
			Current:        s.Current,
			Previous:       s.Previous,
			DeltaPoints:    s.DeltaPoints,
			PreviousPeriod: s.PreviousPeriod,
		})
	}
	return out
}

// concentration computes HHI on percent shares, 10000 for a monopoly.
func concentration(sov map[string]float64) domain.Concentration {
	var hhi float64
	for _, name := range sortedKeys(sov) {
		hhi += sov[name] * sov[name]
	}
	return domain.Concentration{
		NumBrands:     len(sov),
		HHI:           hhi,
		HHINormalized: hhi / 10000,
	}
}

func singlePointTrend(token string, sov map[string]float64) map[string][]domain.TrendPoint {
	out := make(map[string][]domain.TrendPoint, len(sov))
	for name, v := range sov {
		out[name] = []domain.TrendPoint{{Period: token, SOV: v}}
	}
	return out
}

// dailySOV decomposes a range into daily buckets. Only entities with at
// least one non-zero day get a series.
func dailySOV(period domain.Period, observations []*domain.RawObservation, mentioned [][]string) map[string][]domain.TrendPoint {
	days := period.DayTokens()
	index := make(map[string]int, len(days))
	for i, d := range days {
		index[d] = i
	}

	perDay := make([]map[string]int, len(days))
	totals := make([]int, len(days))
	names := make(map[string]bool)
	for i, obs := range observations {
		d, ok := index[obs.Timestamp.UTC().Format(time.DateOnly)]
		if !ok {
			continue
		}
		if perDay[d] == nil {
			perDay[d] = make(map[string]int)
		}
		for _, name := range mentioned[i] {
			perDay[d][name]++
			totals[d]++
			names[name] = true
		}
	}

	out := make(map[string][]domain.TrendPoint, len(names))
	for name := range names {
		series := make([]domain.TrendPoint, len(days))
		for d, token := range days {
			v := 0.0
			if totals[d] > 0 {
				v = float64(perDay[d][name]) / float64(totals[d]) * 100
			}
			series[d] = domain.TrendPoint{Period: token, SOV: v}
		}
		out[name] = series
	}
	return out
}

func windowMetadata(observations []*domain.RawObservation, period domain.Period) domain.QuantitativeMetadata {
	questions := make(map[int64]bool)
	providers := make(map[string]bool)
	for _, obs := range observations {
		questions[obs.QuestionID] = true
		if obs.Provider != "" {
			providers[obs.Provider] = true
		}
	}
	provList := make([]string, 0, len(providers))
	for p := range providers {
		provList = append(provList, p)
	}
	sort.Strings(provList)

	return domain.QuantitativeMetadata{
		QueriesAnalyzed: len(questions),
		Providers:       provList,
		Granularity:     string(period.Granularity),
		WindowStart:     period.Start.Format(time.DateOnly),
		WindowEnd:       period.End.Format(time.DateOnly),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
