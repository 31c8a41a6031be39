package aggregate

import "github.com/brickwatch/compliance-engine/internal/model"

// Weigher assigns a severity weight to a violation event. The score formula
// penalizes the weighted sum of open violations, so the weighting policy is
// pluggable rather than baked into the aggregator.
type Weigher interface {
	Weight(ev model.CanonicalEvent) float64
}

// FlatWeigher counts every open violation as 1 regardless of class.
type FlatWeigher struct{}

func (FlatWeigher) Weight(model.CanonicalEvent) float64 { return 1 }

// ClassWeigher weights HPD violations by class: C (immediately hazardous)
// counts more than B (hazardous), which counts more than A (non-hazardous).
type ClassWeigher struct {
	A, B, C float64
	// Default applies to violations without a recognized class.
	Default float64
}

// NewClassWeigher returns the standard class weighting.
func NewClassWeigher() ClassWeigher {
	return ClassWeigher{A: 0.5, B: 1, C: 2, Default: 1}
}

func (w ClassWeigher) Weight(ev model.CanonicalEvent) float64 {
	switch ev.Severity {
	case "A":
		return w.A
	case "B":
		return w.B
	case "C":
		return w.C
	default:
		return w.Default
	}
}

// WeigherFor resolves a policy name from configuration. Unknown names fall
// back to flat weighting.
func WeigherFor(policy string) Weigher {
	if policy == "class" {
		return NewClassWeigher()
	}
	return FlatWeigher{}
}
