// Package alert turns snapshot transitions into alert events. Evaluation is
// edge-triggered: a threshold crossing emits exactly one event, and polls
// that stay on the same side of the line emit nothing.
package alert

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/source"
)

// Thresholds is the configured score threshold table. Each named line is a
// potential crossing edge in either direction.
type Thresholds struct {
	Critical  float64 `yaml:"critical" mapstructure:"critical"`
	Warning   float64 `yaml:"warning" mapstructure:"warning"`
	Good      float64 `yaml:"good" mapstructure:"good"`
	Excellent float64 `yaml:"excellent" mapstructure:"excellent"`
}

// DefaultThresholds returns the standard threshold table.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 50, Warning: 70, Good: 85, Excellent: 95}
}

// named returns the table in ascending order with stable names.
func (t Thresholds) named() []struct {
	name  string
	value float64
} {
	return []struct {
		name  string
		value float64
	}{
		{"critical", t.Critical},
		{"warning", t.Warning},
		{"good", t.Good},
		{"excellent", t.Excellent},
	}
}

// Toggles enables or disables each alert category.
type Toggles struct {
	ViolationAdded         bool `yaml:"violation_added" mapstructure:"violation_added"`
	ViolationResolved      bool `yaml:"violation_resolved" mapstructure:"violation_resolved"`
	InspectionScheduled    bool `yaml:"inspection_scheduled" mapstructure:"inspection_scheduled"`
	ComplianceScoreChanged bool `yaml:"compliance_score_changed" mapstructure:"compliance_score_changed"`
	Emergency              bool `yaml:"emergency_alerts" mapstructure:"emergency_alerts"`
}

// AllToggles enables every category.
func AllToggles() Toggles {
	return Toggles{
		ViolationAdded:         true,
		ViolationResolved:      true,
		InspectionScheduled:    true,
		ComplianceScoreChanged: true,
		Emergency:              true,
	}
}

// Evaluator compares each newly committed snapshot against the previous one.
type Evaluator struct {
	thresholds Thresholds
	toggles    Toggles

	// nowFunc stamps emitted events; injectable for tests.
	nowFunc func() time.Time
}

// NewEvaluator creates an Evaluator with the given threshold table and
// category toggles.
func NewEvaluator(thresholds Thresholds, toggles Toggles) *Evaluator {
	return &Evaluator{thresholds: thresholds, toggles: toggles, nowFunc: time.Now}
}

// Evaluate returns the alert events for the transition from prev to next.
// A nil prev is the building's first observation and establishes the
// baseline without emitting anything.
func (e *Evaluator) Evaluate(bld model.BuildingIdentifier, prev, next *model.ComplianceSnapshot) []model.AlertEvent {
	if prev == nil || next == nil {
		return nil
	}

	// Score, violation counts, and inspection dates all derive from the
	// violations feed. A snapshot committed while that feed was degraded
	// reflects the outage rather than the building, so neither side of such
	// a transition is a real edge; evaluation resumes once two snapshots
	// with reliable counts exist.
	if violationsDegraded(prev) || violationsDegraded(next) {
		return nil
	}

	var events []model.AlertEvent
	now := e.nowFunc().UTC()

	newEvent := func(kind model.AlertKind, thresholdName, msg string) model.AlertEvent {
		return model.AlertEvent{
			ID:            uuid.New().String(),
			BuildingID:    bld.ID,
			Kind:          kind,
			ThresholdName: thresholdName,
			PreviousScore: prev.Score,
			NewScore:      next.Score,
			Message:       msg,
			Timestamp:     now,
		}
	}

	if e.toggles.ComplianceScoreChanged {
		// A score sitting exactly on a threshold is on the lower side of
		// the line; moving onto the line is not a crossing.
		for _, th := range e.thresholds.named() {
			wasAbove := prev.Score > th.value
			isAbove := next.Score > th.value
			if wasAbove == isAbove {
				continue
			}
			direction := "dropped below"
			if isAbove {
				direction = "recovered above"
			}
			events = append(events, newEvent(
				model.AlertComplianceScoreMoved,
				th.name,
				fmt.Sprintf("%s: compliance score %s the %s threshold (%.0f -> %.0f)",
					source.DisplayAddress(bld.Address), direction, th.name, prev.Score, next.Score),
			))
		}
	}

	switch delta := next.OpenViolations - prev.OpenViolations; {
	case delta > 0 && e.toggles.ViolationAdded:
		events = append(events, newEvent(
			model.AlertViolationAdded, "",
			fmt.Sprintf("%s: %d new open violation(s), %d total",
				source.DisplayAddress(bld.Address), delta, next.OpenViolations),
		))
	case delta < 0 && e.toggles.ViolationResolved:
		events = append(events, newEvent(
			model.AlertViolationResolved, "",
			fmt.Sprintf("%s: %d violation(s) resolved, %d remaining",
				source.DisplayAddress(bld.Address), -delta, next.OpenViolations),
		))
	}

	if e.toggles.Emergency && next.CriticalViolations > prev.CriticalViolations {
		events = append(events, newEvent(
			model.AlertEmergency, "",
			fmt.Sprintf("%s: %d class C (immediately hazardous) violation(s) open",
				source.DisplayAddress(bld.Address), next.CriticalViolations),
		))
	}

	if e.toggles.InspectionScheduled && inspectionMovedEarlier(prev, next) {
		events = append(events, newEvent(
			model.AlertInspectionScheduled, "",
			fmt.Sprintf("%s: next inspection moved up to %s",
				source.DisplayAddress(bld.Address), next.NextInspectionDue.Format("2006-01-02")),
		))
	}

	return events
}

func violationsDegraded(snap *model.ComplianceSnapshot) bool {
	return snap != nil && slices.Contains(snap.DegradedSources, source.SourceViolations)
}

// inspectionMovedEarlier reports whether the inspection window tightened.
// Routine recomputation pushes the due date later each cycle, so only an
// earlier date signals a newly scheduled inspection.
func inspectionMovedEarlier(prev, next *model.ComplianceSnapshot) bool {
	if next.NextInspectionDue == nil {
		return false
	}
	if prev.NextInspectionDue == nil {
		return true
	}
	return next.NextInspectionDue.Before(*prev.NextInspectionDue)
}
