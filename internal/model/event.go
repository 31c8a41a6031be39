package model

import "time"

// EventKind tags a canonical event with the dataset family it came from.
type EventKind string

const (
	KindViolation  EventKind = "violation"
	KindPermit     EventKind = "permit"
	KindEmission   EventKind = "emission"
	KindCollection EventKind = "collection"
)

// monthLayout is the canonical YYYY-MM format for month keys.
const monthLayout = "2006-01"

// MonthKey is a UTC calendar month in YYYY-MM form. Lexicographic ordering
// of month keys matches chronological ordering.
type MonthKey string

// MonthKeyOf derives the month key for t. The time is always converted to
// UTC first so bucketing is deterministic regardless of source locale.
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey(t.UTC().Format(monthLayout))
}

// Time returns the first instant of the month in UTC.
func (m MonthKey) Time() (time.Time, error) {
	return time.ParseInLocation(monthLayout, string(m), time.UTC)
}

// Next returns the month following m. Invalid keys are returned unchanged.
func (m MonthKey) Next() MonthKey {
	t, err := m.Time()
	if err != nil {
		return m
	}
	return MonthKeyOf(t.AddDate(0, 1, 0))
}

// Before reports whether m is chronologically before other.
func (m MonthKey) Before(other MonthKey) bool {
	return string(m) < string(other)
}

// MonthWindow returns the n consecutive months ending at (and including)
// end, oldest first.
func MonthWindow(end MonthKey, n int) []MonthKey {
	if n <= 0 {
		return nil
	}
	endT, err := end.Time()
	if err != nil {
		return nil
	}
	window := make([]MonthKey, n)
	for i := range n {
		window[i] = MonthKeyOf(endT.AddDate(0, i-(n-1), 0))
	}
	return window
}

// CanonicalEvent is one normalized fact about a building: a violation, a
// permit filing, an emissions report, or a sanitation case. Raw records are
// discarded once converted to this form.
type CanonicalEvent struct {
	Kind       EventKind `json:"kind"`
	BuildingID string    `json:"building_id"`
	Month      MonthKey  `json:"month"`

	// Amount carries a dataset-specific magnitude where one exists, e.g.
	// the LL97 emissions score. Zero for count-only datasets.
	Amount float64 `json:"amount,omitempty"`

	// Status is the upstream disposition string ("Open", "Close", ...).
	Status string `json:"status,omitempty"`

	// Severity is the upstream violation class ("A", "B", "C") when the
	// dataset supplies one.
	Severity string `json:"severity,omitempty"`

	// Open reports whether the underlying case is still outstanding.
	Open bool `json:"open,omitempty"`

	// DateFlagged marks events whose effective date was missing or
	// malformed and defaulted to the normalization time.
	DateFlagged bool `json:"date_flagged,omitempty"`
}
