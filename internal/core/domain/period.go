package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Granularity is the shape of a period token.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "iso-weekly"
	GranularityMonthly Granularity = "monthly"
	GranularityRange   Granularity = "range"
)

const dateLayout = "2006-01-02"

var (
	dailyPattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	weeklyPattern  = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
	monthlyPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

// Period is a resolved period token: a half-open UTC window [Start, End).
type Period struct {
	Token       string
	Start       time.Time
	End         time.Time
	Granularity Granularity
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Days returns the number of days covered by the window.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

// DayTokens returns the daily tokens covered by the window, ascending.
func (p Period) DayTokens() []string {
	tokens := make([]string, 0, p.Days())
	for d := p.Start; d.Before(p.End); d = d.AddDate(0, 0, 1) {
		tokens = append(tokens, d.Format(dateLayout))
	}
	return tokens
}

// Tokens returns the tokens fragments of this window may carry: the
// window's own token followed by every covered day. Observations are
// indexed under their day, stage artifacts under the run token.
func (p Period) Tokens() []string {
	if p.Granularity == GranularityDaily {
		return []string{p.Token}
	}
	return append([]string{p.Token}, p.DayTokens()...)
}

// ResolvePeriod converts a period token into its window and granularity.
//
// Supported tokens: YYYY-MM-DD (daily), YYYY-Www (ISO week, Monday start),
// YYYY-MM (calendar month) and A..B (inclusive date range).
func ResolvePeriod(token string) (Period, error) {
	token = strings.TrimSpace(token)

	if a, b, ok := strings.Cut(token, ".."); ok {
		return resolveRange(token, a, b)
	}

	switch {
	case dailyPattern.MatchString(token):
		start, err := time.ParseInLocation(dateLayout, token, time.UTC)
		if err != nil {
			return Period{}, &FormatError{Token: token, Reason: "invalid date"}
		}
		return Period{Token: token, Start: start, End: start.AddDate(0, 0, 1), Granularity: GranularityDaily}, nil

	case weeklyPattern.MatchString(token):
		m := weeklyPattern.FindStringSubmatch(token)
		year, _ := strconv.Atoi(m[1])
		week, _ := strconv.Atoi(m[2])
		if week < 1 || week > isoWeeksInYear(year) {
			return Period{}, &FormatError{Token: token, Reason: "week out of range"}
		}
		start := isoWeekStart(year, week)
		return Period{Token: token, Start: start, End: start.AddDate(0, 0, 7), Granularity: GranularityWeekly}, nil

	case monthlyPattern.MatchString(token):
		m := monthlyPattern.FindStringSubmatch(token)
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return Period{}, &FormatError{Token: token, Reason: "month out of range"}
		}
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return Period{Token: token, Start: start, End: start.AddDate(0, 1, 0), Granularity: GranularityMonthly}, nil
	}

	return Period{}, &FormatError{Token: token, Reason: "unrecognised format"}
}

func resolveRange(token, a, b string) (Period, error) {
	if !dailyPattern.MatchString(a) || !dailyPattern.MatchString(b) {
		return Period{}, &FormatError{Token: token, Reason: "range bounds must be YYYY-MM-DD"}
	}
	start, err := time.ParseInLocation(dateLayout, a, time.UTC)
	if err != nil {
		return Period{}, &FormatError{Token: token, Reason: "invalid range start"}
	}
	last, err := time.ParseInLocation(dateLayout, b, time.UTC)
	if err != nil {
		return Period{}, &FormatError{Token: token, Reason: "invalid range end"}
	}
	if last.Before(start) {
		return Period{}, &FormatError{Token: token, Reason: "range end before start"}
	}
	return Period{Token: token, Start: start, End: last.AddDate(0, 0, 1), Granularity: GranularityRange}, nil
}

// PeriodGranularity returns the granularity of a token.
func PeriodGranularity(token string) (Granularity, error) {
	p, err := ResolvePeriod(token)
	if err != nil {
		return "", err
	}
	return p.Granularity, nil
}

// PreviousPeriod returns the immediately preceding token of the same
// granularity. Range periods have no predecessor and yield "".
func PreviousPeriod(token string) (string, error) {
	p, err := ResolvePeriod(token)
	if err != nil {
		return "", err
	}
	return shiftPeriod(p, -1), nil
}

// LastPeriods returns the n most recent tokens of the same granularity
// ending at token, ascending. Range periods are rejected.
func LastPeriods(token string, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: period count must be positive, got %d", ErrInvalidInput, n)
	}
	p, err := ResolvePeriod(token)
	if err != nil {
		return nil, err
	}
	if p.Granularity == GranularityRange {
		return nil, fmt.Errorf("%w: rolling history is undefined for range period %s", ErrInvalidInput, token)
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = shiftPeriod(p, -i)
	}
	return out, nil
}

// shiftPeriod moves a resolved period by k units of its own granularity.
func shiftPeriod(p Period, k int) string {
	switch p.Granularity {
	case GranularityDaily:
		return p.Start.AddDate(0, 0, k).Format(dateLayout)
	case GranularityWeekly:
		year, week := p.Start.AddDate(0, 0, 7*k).ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GranularityMonthly:
		return p.Start.AddDate(0, k, 0).Format("2006-01")
	default:
		return ""
	}
}

// isoWeekStart returns the Monday of ISO week w of year.
func isoWeekStart(year, week int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (week-1)*7)
}

// isoWeeksInYear returns 52 or 53.
func isoWeeksInYear(year int) int {
	_, week := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return week
}
