// Package source contains the adapters for the upstream open-data
// endpoints and the controller that rate-limits and guards every call to
// them. Each adapter knows its own dataset schema and query keys; adapters
// never retry internally; retry, backoff, and circuit breaking are owned
// by the Controller.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// Source names. One token bucket and one circuit breaker exist per source,
// shared across all building fetches against it.
const (
	SourceViolations = "hpd_violations"
	SourcePermits    = "dob_permits"
	SourceSanitation = "dsny_violations"
	SourceEmissions  = "ll97_emissions"
)

// RawRecord is one row from an upstream dataset, reduced to scalar fields.
// Records are ephemeral: they exist only between fetch and normalization.
type RawRecord struct {
	Source     string
	BuildingID string
	Fields     map[string]string
}

// Filter optionally restricts a fetch to a date range.
type Filter struct {
	Since time.Time
	Until time.Time
}

// Adapter fetches raw records for one building from one dataset. Pagination
// is adapter-internal; callers receive a fully materialized page set bounded
// by the client's configured row limit.
type Adapter interface {
	// Source returns the source name this adapter serves.
	Source() string

	// Fetch retrieves the raw rows for a building, applying the optional
	// date-range filter.
	Fetch(ctx context.Context, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error)
}

// flatten reduces a decoded JSON row to scalar string fields. Nested values
// (Socrata location columns and the like) are dropped at the boundary so
// nothing downstream ever sees a dynamically shaped payload.
func flatten(row map[string]any) map[string]string {
	fields := make(map[string]string, len(row))
	for k, v := range row {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = fmt.Sprintf("%g", val)
		case bool:
			fields[k] = fmt.Sprintf("%t", val)
		}
	}
	return fields
}
