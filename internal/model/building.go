// Package model defines the core domain types shared across the engine:
// building identifiers, canonical events, monthly buckets, compliance
// snapshots, and alert events.
package model

import "strings"

// BuildingIdentifier identifies a tracked property. The roster is supplied
// by configuration and is immutable for the lifetime of the process.
type BuildingIdentifier struct {
	ID      string `json:"id" yaml:"id"`
	BBL     string `json:"bbl" yaml:"bbl"`
	BIN     string `json:"bin" yaml:"bin"`
	Address string `json:"address" yaml:"address"`
	Borough string `json:"borough" yaml:"borough"`
}

// Valid reports whether the identifier carries enough information to query
// at least one upstream dataset. Every dataset keys by BBL, BIN, or parsed
// address components, so one of those must be present.
func (b BuildingIdentifier) Valid() bool {
	return b.ID != "" && (b.BBL != "" || b.BIN != "" || strings.TrimSpace(b.Address) != "")
}
