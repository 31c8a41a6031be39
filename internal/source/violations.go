package source

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// hpdViolationsDataset is the HPD housing maintenance code violations
// dataset. Keyed by BBL.
//
// Raw schema (fields the normalizer consumes):
//
//	violationid        unique violation number
//	class              "A" | "B" | "C" (C is immediately hazardous)
//	violationstatus    "Open" | "Close"
//	inspectiondate     floating timestamp
//	novissueddate      floating timestamp (notice of violation)
//	approveddate       floating timestamp
const hpdViolationsDataset = "wvxf-dwi5"

// ViolationsAdapter fetches HPD violations for a building.
type ViolationsAdapter struct {
	client *SocrataClient
}

// NewViolationsAdapter creates the HPD violations adapter.
func NewViolationsAdapter(client *SocrataClient) *ViolationsAdapter {
	return &ViolationsAdapter{client: client}
}

func (a *ViolationsAdapter) Source() string { return SourceViolations }

func (a *ViolationsAdapter) Fetch(ctx context.Context, bld model.BuildingIdentifier, f Filter) ([]RawRecord, error) {
	if bld.BBL == "" {
		return nil, eris.Errorf("hpd violations: building %s has no BBL", bld.ID)
	}

	where := fmt.Sprintf("bbl='%s'", bld.BBL)
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND inspectiondate >= '%s'", f.Since.UTC().Format("2006-01-02T00:00:00"))
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND inspectiondate < '%s'", f.Until.UTC().Format("2006-01-02T00:00:00"))
	}

	q := url.Values{}
	q.Set("$where", where)
	q.Set("$order", "inspectiondate DESC")

	rows, err := a.client.Rows(ctx, hpdViolationsDataset, q)
	if err != nil {
		return nil, eris.Wrapf(err, "hpd violations: fetch building %s", bld.ID)
	}

	records := make([]RawRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, RawRecord{
			Source:     SourceViolations,
			BuildingID: bld.ID,
			Fields:     flatten(row),
		})
	}
	return records, nil
}
