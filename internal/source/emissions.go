package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// ll97EmissionsDataset is the covered-buildings energy and emissions
// disclosure dataset backing LL97 reporting. Keyed by BBL. Unlike the
// enforcement datasets it carries one row per reporting year, not per
// incident.
//
// Raw schema (fields the normalizer consumes):
//
//	bbl_10_digits        10-digit BBL
//	report_year          "2024"
//	energy_star_score    1-100, "Not Available" when unscored
//	total_ghg_emissions  metric tons CO2e as text
//	compliance_status    "In Compliance" | "Violation" | ...
const ll97EmissionsDataset = "5zyy-y8am"

// EmissionsAdapter fetches LL97 emissions disclosures for a building.
type EmissionsAdapter struct {
	client *SocrataClient
}

// NewEmissionsAdapter creates the LL97 emissions adapter.
func NewEmissionsAdapter(client *SocrataClient) *EmissionsAdapter {
	return &EmissionsAdapter{client: client}
}

func (a *EmissionsAdapter) Source() string { return SourceEmissions }

func (a *EmissionsAdapter) Fetch(ctx context.Context, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error) {
	if bld.BBL == "" {
		return nil, eris.Errorf("ll97: building %s has no BBL", bld.ID)
	}

	where := fmt.Sprintf("bbl_10_digits='%s'", bld.BBL)
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND report_year >= '%d'", f.Since.UTC().Year())
	}

	q := url.Values{}
	q.Set("$where", where)
	q.Set("$order", "report_year DESC")

	rows, err := a.client.Rows(ctx, ll97EmissionsDataset, q)
	if err != nil {
		return nil, eris.Wrapf(err, "ll97: fetch building %s", bld.ID)
	}

	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RawRecord{
			Source:     SourceEmissions,
			BuildingID: bld.ID,
			Fields:     flatten(row),
		})
	}
	return records, nil
}

// urlQuote escapes single quotes for SoQL string literals.
func urlQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
