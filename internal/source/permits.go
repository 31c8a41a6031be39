package source

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// dobPermitsDataset is the DOB permit issuance dataset. Keyed by BIN, with a
// house-number + street-name + borough fallback for buildings without one.
//
// Raw schema (fields the normalizer consumes):
//
//	job__            job number
//	job_type         "A1" | "A2" | "A3" | "NB" | "DM" | ...
//	permit_status    "ISSUED" | "IN PROCESS" | ...
//	issuance_date    floating timestamp
//	filing_date      floating timestamp
//	expiration_date  floating timestamp
const dobPermitsDataset = "ipu4-2q9a"

// PermitsAdapter fetches DOB permits for a building.
type PermitsAdapter struct {
	client *SocrataClient
}

// NewPermitsAdapter creates the DOB permits adapter.
func NewPermitsAdapter(client *SocrataClient) *PermitsAdapter {
	return &PermitsAdapter{client: client}
}

func (a *PermitsAdapter) Source() string { return SourcePermits }

func (a *PermitsAdapter) Fetch(ctx context.Context, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error) {
	where, err := a.whereClause(bld)
	if err != nil {
		return nil, err
	}
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND issuance_date >= '%s'", f.Since.UTC().Format("2006-01-02T00:00:00"))
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND issuance_date < '%s'", f.Until.UTC().Format("2006-01-02T00:00:00"))
	}

	q := url.Values{}
	q.Set("$where", where)
	q.Set("$order", "issuance_date DESC")

	rows, err := a.client.Rows(ctx, dobPermitsDataset, q)
	if err != nil {
		return nil, eris.Wrapf(err, "dob permits: fetch building %s", bld.ID)
	}

	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RawRecord{
			Source:     SourcePermits,
			BuildingID: bld.ID,
			Fields:     flatten(row),
		})
	}
	return records, nil
}

// whereClause prefers the BIN key and falls back to parsed address
// components when the building has no BIN on file.
func (a *PermitsAdapter) whereClause(bld model.BuildingIdentifier) (string, error) {
	if bld.BIN != "" {
		return fmt.Sprintf("bin__='%s'", bld.BIN), nil
	}

	parts, err := ParseAddress(bld.Address)
	if err != nil {
		return "", eris.Wrapf(err, "dob permits: building %s", bld.ID)
	}
	code, err := BoroughCode(bld.Borough)
	if err != nil {
		return "", eris.Wrapf(err, "dob permits: building %s", bld.ID)
	}
	return fmt.Sprintf("house__='%s' AND street_name='%s' AND borough='%s'",
		parts.HouseNumber, parts.StreetName, code), nil
}
