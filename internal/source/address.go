package source

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// AddressParts holds a street address split into the components that
// house-number-keyed datasets filter on.
type AddressParts struct {
	HouseNumber string
	StreetName  string
}

// ParseAddress splits "100 Gold Street" into house number and street name.
// Street names are upper-cased because that is how the upstream datasets
// store them.
func ParseAddress(addr string) (AddressParts, error) {
	fields := strings.Fields(strings.TrimSpace(addr))
	if len(fields) < 2 {
		return AddressParts{}, eris.Errorf("address %q: need house number and street name", addr)
	}
	return AddressParts{
		HouseNumber: fields[0],
		StreetName:  strings.ToUpper(strings.Join(fields[1:], " ")),
	}, nil
}

// boroughCodes maps borough names to the 1-digit codes used in BBLs and
// several dataset filter columns.
var boroughCodes = map[string]string{
	"MANHATTAN":     "1",
	"BRONX":         "2",
	"BROOKLYN":      "3",
	"QUEENS":        "4",
	"STATEN ISLAND": "5",
}

// BoroughCode returns the 1-digit code for a borough name, or an error for
// unrecognized names.
func BoroughCode(name string) (string, error) {
	code, ok := boroughCodes[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return "", eris.Errorf("unknown borough %q", name)
	}
	return code, nil
}

// SplitBBL decomposes a 10-digit BBL into borough, block, and lot.
func SplitBBL(bbl string) (borough, block, lot string, err error) {
	if len(bbl) != 10 {
		return "", "", "", eris.Errorf("bbl %q: expected 10 digits", bbl)
	}
	return bbl[0:1], bbl[1:6], bbl[6:10], nil
}

var titleCaser = cases.Title(language.AmericanEnglish)

// DisplayAddress renders an upper-cased upstream address in title case for
// alert messages and reports.
func DisplayAddress(addr string) string {
	return titleCaser.String(strings.ToLower(strings.TrimSpace(addr)))
}
