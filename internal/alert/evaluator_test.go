package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickwatch/compliance-engine/internal/model"
)

var alertTestBuilding = model.BuildingIdentifier{ID: "b1", BBL: "1000160100", Address: "100 GOLD STREET"}

func snap(score float64, open, critical int) *model.ComplianceSnapshot {
	return &model.ComplianceSnapshot{
		BuildingID:         "b1",
		Score:              score,
		OpenViolations:     open,
		CriticalViolations: critical,
	}
}

func newTestEvaluator() *Evaluator {
	e := NewEvaluator(DefaultThresholds(), AllToggles())
	e.nowFunc = func() time.Time { return time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC) }
	return e
}

func kinds(events []model.AlertEvent) []model.AlertKind {
	out := make([]model.AlertKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestEvaluateFirstObservationIsBaseline(t *testing.T) {
	e := newTestEvaluator()
	assert.Empty(t, e.Evaluate(alertTestBuilding, nil, snap(40, 12, 3)),
		"first snapshot establishes the baseline without alerting")
}

func TestEvaluateScoreCrossingIsEdgeTriggered(t *testing.T) {
	e := newTestEvaluator()

	// 85 -> 80: no threshold line strictly crossed.
	events := e.Evaluate(alertTestBuilding, snap(85, 3, 0), snap(80, 3, 0))
	assert.Empty(t, events)

	// 80 -> 65: crosses warning (70) exactly once.
	events = e.Evaluate(alertTestBuilding, snap(80, 3, 0), snap(65, 3, 0))
	require.Len(t, events, 1)
	assert.Equal(t, model.AlertComplianceScoreMoved, events[0].Kind)
	assert.Equal(t, "warning", events[0].ThresholdName)
	assert.InDelta(t, 80, events[0].PreviousScore, 0.001)
	assert.InDelta(t, 65, events[0].NewScore, 0.001)

	// 65 -> 60: same side of every line, nothing fires.
	events = e.Evaluate(alertTestBuilding, snap(65, 3, 0), snap(60, 3, 0))
	assert.Empty(t, events)
}

func TestEvaluateMultipleThresholdsCrossedAtOnce(t *testing.T) {
	e := newTestEvaluator()

	events := e.Evaluate(alertTestBuilding, snap(75, 2, 0), snap(45, 2, 0))
	require.Len(t, events, 2)

	names := []string{events[0].ThresholdName, events[1].ThresholdName}
	assert.ElementsMatch(t, []string{"critical", "warning"}, names)
}

func TestEvaluateRecoveryCrossing(t *testing.T) {
	e := newTestEvaluator()

	events := e.Evaluate(alertTestBuilding, snap(60, 5, 0), snap(90, 5, 0))
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Contains(t, ev.Message, "recovered above")
	}
}

func TestEvaluateViolationDelta(t *testing.T) {
	e := newTestEvaluator()

	events := e.Evaluate(alertTestBuilding, snap(85, 3, 0), snap(80, 4, 0))
	require.Len(t, events, 1)
	assert.Equal(t, model.AlertViolationAdded, events[0].Kind)

	events = e.Evaluate(alertTestBuilding, snap(80, 4, 0), snap(85, 3, 0))
	require.Len(t, events, 1)
	assert.Equal(t, model.AlertViolationResolved, events[0].Kind)

	// Same count: no delta events.
	assert.Empty(t, e.Evaluate(alertTestBuilding, snap(80, 4, 0), snap(80, 4, 0)))
}

func TestEvaluateEmergencyOnNewCritical(t *testing.T) {
	e := newTestEvaluator()

	events := e.Evaluate(alertTestBuilding, snap(80, 4, 0), snap(80, 4, 1))
	assert.Contains(t, kinds(events), model.AlertEmergency)

	// Critical count dropping is not an emergency.
	events = e.Evaluate(alertTestBuilding, snap(80, 4, 2), snap(80, 4, 1))
	assert.NotContains(t, kinds(events), model.AlertEmergency)
}

func TestEvaluateInspectionMovedEarlier(t *testing.T) {
	e := newTestEvaluator()

	far := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	near := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	prev := snap(80, 3, 0)
	prev.NextInspectionDue = &far
	next := snap(80, 3, 0)
	next.NextInspectionDue = &near

	events := e.Evaluate(alertTestBuilding, prev, next)
	require.Len(t, events, 1)
	assert.Equal(t, model.AlertInspectionScheduled, events[0].Kind)

	// Due date pushed later is routine recomputation, not a new inspection.
	assert.Empty(t, e.Evaluate(alertTestBuilding, next, prev))
}

func TestEvaluateTogglesSuppressCategories(t *testing.T) {
	e := NewEvaluator(DefaultThresholds(), Toggles{})

	events := e.Evaluate(alertTestBuilding, snap(85, 3, 0), snap(45, 7, 2))
	assert.Empty(t, events, "all categories disabled must emit nothing")

	e = NewEvaluator(DefaultThresholds(), Toggles{ComplianceScoreChanged: true})
	events = e.Evaluate(alertTestBuilding, snap(85, 3, 0), snap(45, 7, 2))
	for _, ev := range events {
		assert.Equal(t, model.AlertComplianceScoreMoved, ev.Kind)
	}
	assert.NotEmpty(t, events)
}

func TestEvaluateDegradedViolationsFeedSuppressesAlerts(t *testing.T) {
	e := newTestEvaluator()

	healthy := snap(85, 3, 0)
	outage := snap(100, 0, 0)
	outage.DegradedSources = []string{"hpd_violations"}

	assert.Empty(t, e.Evaluate(alertTestBuilding, healthy, outage),
		"counts shaped by an outage are not a real edge")
	assert.Empty(t, e.Evaluate(alertTestBuilding, outage, healthy),
		"recovery does not replay crossings for data that never changed upstream")

	// Degradation of a feed the score does not depend on suppresses nothing.
	next := snap(65, 7, 0)
	next.DegradedSources = []string{"ll97_emissions"}
	events := e.Evaluate(alertTestBuilding, snap(80, 3, 0), next)
	assert.NotEmpty(t, events)
}

func TestEvaluateEventMetadata(t *testing.T) {
	e := newTestEvaluator()

	events := e.Evaluate(alertTestBuilding, snap(80, 3, 0), snap(65, 3, 0))
	require.Len(t, events, 1)

	ev := events[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "b1", ev.BuildingID)
	assert.Contains(t, ev.Message, "100 Gold Street", "addresses render in title case")
	assert.Equal(t, time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC), ev.Timestamp)
}
