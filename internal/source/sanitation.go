package source

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// oathHearingsDataset is the OATH hearings division case dataset, filtered
// to sanitation cases. Keyed by house number + street name + borough, which
// requires address parsing because the dataset has no BBL or BIN column.
//
// Raw schema (fields the normalizer consumes):
//
//	ticket_number               unique case number
//	violation_date              floating timestamp
//	hearing_date                floating timestamp
//	hearing_status              "PAID IN FULL" | "DOCKETED" | "DEFAULTED" | ...
//	penalty_imposed             dollar amount as text
//	charge_1_code_description   charge text
const oathHearingsDataset = "jz4z-kudi"

// sanitationAgency is the issuing-agency filter value for DSNY cases.
const sanitationAgency = "DEPT. OF SANITATION"

// SanitationAdapter fetches DSNY enforcement cases for a building.
type SanitationAdapter struct {
	client *SocrataClient
}

// NewSanitationAdapter creates the DSNY sanitation adapter.
func NewSanitationAdapter(client *SocrataClient) *SanitationAdapter {
	return &SanitationAdapter{client: client}
}

func (a *SanitationAdapter) Source() string { return SourceSanitation }

func (a *SanitationAdapter) Fetch(ctx context.Context, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error) {
	parts, err := ParseAddress(bld.Address)
	if err != nil {
		return nil, eris.Wrapf(err, "dsny: building %s", bld.ID)
	}

	where := fmt.Sprintf(
		"issuing_agency='%s' AND violation_location_house='%s' AND violation_location_street_name='%s' AND violation_location_borough='%s'",
		sanitationAgency, parts.HouseNumber, parts.StreetName, urlQuote(bld.Borough),
	)
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND violation_date >= '%s'", f.Since.UTC().Format("2006-01-02T00:00:00"))
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND violation_date < '%s'", f.Until.UTC().Format("2006-01-02T00:00:00"))
	}

	q := url.Values{}
	q.Set("$where", where)
	q.Set("$order", "violation_date DESC")

	rows, err := a.client.Rows(ctx, oathHearingsDataset, q)
	if err != nil {
		return nil, eris.Wrapf(err, "dsny: fetch building %s", bld.ID)
	}

	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RawRecord{
			Source:     SourceSanitation,
			BuildingID: bld.ID,
			Fields:     flatten(row),
		})
	}
	return records, nil
}
