// Package aggregate folds canonical events into per-building monthly
// buckets and derives the compliance snapshot: score, risk level, and open
// violation counts.
package aggregate

import (
	"time"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// Risk thresholds and inspection cadence defaults.
const (
	defaultHighBelow   = 50
	defaultMediumBelow = 70

	criticalInspectionLead = 30 * 24 * time.Hour
	openInspectionLead     = 60 * 24 * time.Hour
	routineInspectionLead  = 90 * 24 * time.Hour
)

// Config tunes the aggregator.
type Config struct {
	// WindowMonths is the bucket window size. Default: 12.
	WindowMonths int

	// PenaltyPerViolation is subtracted from 100 for each severity-weighted
	// open violation. Default: 5.
	PenaltyPerViolation float64

	// RiskHighBelow and RiskMediumBelow are the score cut lines:
	// score < RiskHighBelow is high risk, score < RiskMediumBelow is
	// medium, anything at or above is low. Defaults: 50 and 70.
	RiskHighBelow   float64
	RiskMediumBelow float64
}

// Result is one committed aggregation: the dense bucket series and the
// snapshot derived from it.
type Result struct {
	Buckets  []model.MonthlyBucket
	Snapshot model.ComplianceSnapshot
}

// Aggregator computes monthly buckets and compliance snapshots. It holds no
// per-building state; the engine serializes concurrent cycles for the same
// building around the Aggregate call.
type Aggregator struct {
	cfg     Config
	weigher Weigher

	// nowFunc fixes the window end and LastUpdated; injectable for tests so
	// re-aggregation of identical events is bit-identical.
	nowFunc func() time.Time
}

// New creates an Aggregator with the given config and weighting policy.
func New(cfg Config, weigher Weigher) *Aggregator {
	if cfg.WindowMonths <= 0 {
		cfg.WindowMonths = 12
	}
	if cfg.PenaltyPerViolation <= 0 {
		cfg.PenaltyPerViolation = 5
	}
	if cfg.RiskHighBelow <= 0 {
		cfg.RiskHighBelow = defaultHighBelow
	}
	if cfg.RiskMediumBelow <= 0 {
		cfg.RiskMediumBelow = defaultMediumBelow
	}
	if weigher == nil {
		weigher = FlatWeigher{}
	}
	return &Aggregator{cfg: cfg, weigher: weigher, nowFunc: time.Now}
}

// Aggregate folds the building's canonical events into a dense monthly
// bucket series covering every month of the window (zero-filled, never
// sparse) and computes the snapshot. prev, when non-nil, is the last
// committed snapshot; LastUpdated never moves before it.
func (a *Aggregator) Aggregate(bld model.BuildingIdentifier, events []model.CanonicalEvent, prev *model.ComplianceSnapshot) Result {
	now := a.nowFunc().UTC()
	window := model.MonthWindow(model.MonthKeyOf(now), a.cfg.WindowMonths)

	byMonth := make(map[model.MonthKey]*model.MonthlyBucket, len(window))
	buckets := make([]model.MonthlyBucket, len(window))
	for i, month := range window {
		buckets[i] = model.MonthlyBucket{BuildingID: bld.ID, Month: month}
		byMonth[month] = &buckets[i]
	}

	var (
		weightedOpen float64
		openCount    int
		critical     int
	)

	for _, ev := range events {
		bucket := byMonth[ev.Month]

		switch ev.Kind {
		case model.KindViolation:
			if bucket != nil {
				bucket.ViolationCount++
			}
			// Open violations drive the score even when their event date
			// falls outside the bucket window.
			if ev.Open {
				weightedOpen += a.weigher.Weight(ev)
				openCount++
				if ev.Severity == "C" {
					critical++
				}
			}
		case model.KindPermit:
			if bucket != nil {
				bucket.PermitCount++
			}
		case model.KindCollection:
			if bucket != nil {
				bucket.DSNYCount++
			}
		case model.KindEmission:
			if bucket != nil && ev.Amount > 0 {
				score := ev.Amount
				bucket.EmissionsScore = &score
			}
		}
	}

	score := clamp(100-a.cfg.PenaltyPerViolation*weightedOpen, 0, 100)

	snap := model.ComplianceSnapshot{
		BuildingID:         bld.ID,
		Score:              score,
		RiskLevel:          a.riskLevel(score),
		OpenViolations:     openCount,
		CriticalViolations: critical,
		LastUpdated:        now,
	}

	due := now.Add(a.inspectionLead(openCount, critical))
	snap.NextInspectionDue = &due

	// LastUpdated is monotonically non-decreasing across commits.
	if prev != nil && prev.LastUpdated.After(snap.LastUpdated) {
		snap.LastUpdated = prev.LastUpdated
	}

	return Result{Buckets: buckets, Snapshot: snap}
}

func (a *Aggregator) riskLevel(score float64) model.RiskLevel {
	switch {
	case score < a.cfg.RiskHighBelow:
		return model.RiskHigh
	case score < a.cfg.RiskMediumBelow:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// inspectionLead shortens the next inspection window as the violation
// picture worsens.
func (a *Aggregator) inspectionLead(open, critical int) time.Duration {
	switch {
	case critical > 0:
		return criticalInspectionLead
	case open > 0:
		return openInspectionLead
	default:
		return routineInspectionLead
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
