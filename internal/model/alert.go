package model

import "time"

// AlertKind identifies the category of an alert event. Each category can be
// toggled independently in configuration.
type AlertKind string

const (
	AlertViolationAdded       AlertKind = "violation_added"
	AlertViolationResolved    AlertKind = "violation_resolved"
	AlertInspectionScheduled  AlertKind = "inspection_scheduled"
	AlertComplianceScoreMoved AlertKind = "compliance_score_changed"
	AlertEmergency            AlertKind = "emergency"
)

// AlertEvent records a single threshold crossing or violation-count change.
// Events are emitted once per crossing edge, never on polls that stay on the
// same side of a threshold.
type AlertEvent struct {
	ID            string    `json:"id"`
	BuildingID    string    `json:"building_id"`
	Kind          AlertKind `json:"kind"`
	ThresholdName string    `json:"threshold_name,omitempty"`
	PreviousScore float64   `json:"previous_score"`
	NewScore      float64   `json:"new_score"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}
