package aggregate

import (
	"sort"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// ComputeTrend rolls the full set of current monthly buckets across all
// buildings into a portfolio-level series, sorted ascending by month. It is
// a pure function recomputed on demand, never incrementally mutated, so
// partial updates cannot cause drift.
func ComputeTrend(buckets []model.MonthlyBucket) []model.TrendPoint {
	byMonth := make(map[model.MonthKey]*model.TrendPoint)
	for _, b := range buckets {
		pt, ok := byMonth[b.Month]
		if !ok {
			pt = &model.TrendPoint{Month: b.Month}
			byMonth[b.Month] = pt
		}
		pt.Violations += b.ViolationCount
		pt.Permits += b.PermitCount
		pt.Collections += b.DSNYCount
		pt.Total += b.ViolationCount + b.PermitCount + b.DSNYCount
	}

	points := make([]model.TrendPoint, 0, len(byMonth))
	for _, pt := range byMonth {
		points = append(points, *pt)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Month.Before(points[j].Month)
	})
	return points
}
