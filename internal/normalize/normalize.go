// Package normalize converts heterogeneous raw dataset rows into canonical
// events. Field-name mapping, date-field preference, and month bucketing
// all live here so adapters stay dumb about each other's schemas.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/source"
)

// dateLayouts are tried in order when parsing upstream timestamps. Socrata
// floating timestamps come first; bare dates and years cover the older
// datasets.
var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006",
}

// mapping describes how one source's raw fields become a canonical event.
// DateFields is a fixed preference order: the first parseable field wins.
type mapping struct {
	kind          model.EventKind
	idField       string
	dateFields    []string
	statusField   string
	severityField string
	amountField   string
	isOpen        func(status string) bool
}

var mappings = map[string]mapping{
	source.SourceViolations: {
		kind:          model.KindViolation,
		idField:       "violationid",
		dateFields:    []string{"inspectiondate", "novissueddate", "approveddate"},
		statusField:   "violationstatus",
		severityField: "class",
		isOpen: func(status string) bool {
			return strings.EqualFold(status, "Open")
		},
	},
	source.SourcePermits: {
		kind:        model.KindPermit,
		idField:     "job__",
		dateFields:  []string{"issuance_date", "filing_date"},
		statusField: "permit_status",
		isOpen:      func(string) bool { return false },
	},
	source.SourceSanitation: {
		kind:        model.KindCollection,
		idField:     "ticket_number",
		dateFields:  []string{"violation_date", "hearing_date"},
		statusField: "hearing_status",
		isOpen: func(status string) bool {
			s := strings.ToUpper(status)
			return s == "DOCKETED" || s == "DEFAULTED"
		},
	},
	source.SourceEmissions: {
		kind:        model.KindEmission,
		dateFields:  []string{"report_year"},
		statusField: "compliance_status",
		amountField: "energy_star_score",
		isOpen: func(status string) bool {
			return strings.EqualFold(status, "Violation")
		},
	},
}

// Normalizer converts raw records into canonical events.
type Normalizer struct {
	// nowFunc supplies the last-resort event date; injectable for tests.
	nowFunc func() time.Time
}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{nowFunc: time.Now}
}

// Normalize maps each raw record to a canonical event. Rows from unknown
// sources or missing their record identifier are skipped and counted;
// a malformed row never aborts the batch. Rows whose every date field is
// missing or malformed get the current month and are flagged.
func (n *Normalizer) Normalize(records []source.RawRecord) (events []model.CanonicalEvent, skipped int) {
	events = make([]model.CanonicalEvent, 0, len(records))

	for _, rec := range records {
		m, ok := mappings[rec.Source]
		if !ok {
			skipped++
			continue
		}
		if m.idField != "" && strings.TrimSpace(rec.Fields[m.idField]) == "" {
			skipped++
			continue
		}

		ev := model.CanonicalEvent{
			Kind:       m.kind,
			BuildingID: rec.BuildingID,
			Status:     rec.Fields[m.statusField],
		}
		if m.severityField != "" {
			ev.Severity = strings.ToUpper(strings.TrimSpace(rec.Fields[m.severityField]))
		}
		if m.amountField != "" {
			ev.Amount = parseAmount(rec.Fields[m.amountField])
		}
		ev.Open = m.isOpen(ev.Status)

		if when, ok := pickDate(rec.Fields, m.dateFields); ok {
			ev.Month = model.MonthKeyOf(when)
		} else {
			// Last resort only: bucket under the current month and flag it.
			ev.Month = model.MonthKeyOf(n.nowFunc())
			ev.DateFlagged = true
		}

		events = append(events, ev)
	}

	if skipped > 0 {
		zap.L().Debug("normalization skipped malformed rows", zap.Int("skipped", skipped))
	}
	return events, skipped
}

// pickDate returns the first parseable date following the mapping's
// preference order.
func pickDate(fields map[string]string, prefs []string) (time.Time, bool) {
	for _, field := range prefs {
		raw := strings.TrimSpace(fields[field])
		if raw == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func parseAmount(raw string) float64 {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "$"))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}
