package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/scheduler"
)

// TrackedBuilding is one roster entry: a building plus its refresh tier.
type TrackedBuilding struct {
	Building model.BuildingIdentifier
	Tier     scheduler.Tier
}

type rosterFile struct {
	Buildings []rosterEntry `yaml:"buildings"`
}

type rosterEntry struct {
	ID      string `yaml:"id"`
	BBL     string `yaml:"bbl"`
	BIN     string `yaml:"bin"`
	Address string `yaml:"address"`
	Borough string `yaml:"borough"`
	Tier    string `yaml:"tier"`
}

// LoadBuildings reads the building roster. Entries without a queryable
// identifier are rejected, not silently dropped.
func LoadBuildings(path string) ([]TrackedBuilding, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read buildings file %s", path)
	}

	var roster rosterFile
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return nil, eris.Wrapf(err, "config: parse buildings file %s", path)
	}
	if len(roster.Buildings) == 0 {
		return nil, eris.Errorf("config: no buildings in %s", path)
	}

	out := make([]TrackedBuilding, 0, len(roster.Buildings))
	for i, entry := range roster.Buildings {
		bld := model.BuildingIdentifier{
			ID:      entry.ID,
			BBL:     entry.BBL,
			BIN:     entry.BIN,
			Address: entry.Address,
			Borough: entry.Borough,
		}
		if bld.ID == "" {
			return nil, eris.Errorf("config: building %d has no id", i)
		}
		if !bld.Valid() {
			return nil, eris.Errorf("config: building %s has no queryable identifier", bld.ID)
		}
		tier, err := parseTier(entry.Tier)
		if err != nil {
			return nil, eris.Wrapf(err, "config: building %s", bld.ID)
		}
		out = append(out, TrackedBuilding{Building: bld, Tier: tier})
	}
	return out, nil
}

func parseTier(s string) (scheduler.Tier, error) {
	switch s {
	case "high":
		return scheduler.TierHigh, nil
	case "", "normal":
		return scheduler.TierNormal, nil
	case "low":
		return scheduler.TierLow, nil
	default:
		return scheduler.TierNormal, eris.Errorf("unknown tier %q", s)
	}
}
