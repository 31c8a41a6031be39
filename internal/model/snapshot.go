package model

import "time"

// MonthlyBucket holds per-building per-month counts. The aggregator emits a
// dense series: every month in the window is present, zero-filled if the
// building had no activity.
type MonthlyBucket struct {
	BuildingID     string   `json:"building_id"`
	Month          MonthKey `json:"month"`
	ViolationCount int      `json:"violation_count"`
	PermitCount    int      `json:"permit_count"`
	DSNYCount      int      `json:"dsny_count"`
	EmissionsScore *float64 `json:"emissions_score,omitempty"`
}

// RiskLevel classifies a building by its compliance score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ComplianceSnapshot is the current compliance view of one building. Score
// is always clamped to [0,100] and LastUpdated never moves backwards.
type ComplianceSnapshot struct {
	BuildingID         string     `json:"building_id"`
	Score              float64    `json:"score"`
	RiskLevel          RiskLevel  `json:"risk_level"`
	OpenViolations     int        `json:"open_violations"`
	CriticalViolations int        `json:"critical_violations"`
	LastUpdated        time.Time  `json:"last_updated"`
	NextInspectionDue  *time.Time `json:"next_inspection_due,omitempty"`

	// Stale is set by the scheduler when the building has exceeded its
	// failure threshold; the last-known-good values above are still served.
	Stale bool `json:"stale,omitempty"`

	// DegradedSources lists sources that failed during the cycle that
	// produced this snapshot. The counts reflect the sources that succeeded.
	DegradedSources []string `json:"degraded_sources,omitempty"`

	// SkippedRecords counts raw rows dropped during normalization.
	SkippedRecords int `json:"skipped_records,omitempty"`
}

// TrendPoint is one month of the portfolio-level rollup across all tracked
// buildings.
type TrendPoint struct {
	Month       MonthKey `json:"month"`
	Violations  int      `json:"violations"`
	Permits     int      `json:"permits"`
	Collections int      `json:"collections"`
	Total       int      `json:"total"`
}
