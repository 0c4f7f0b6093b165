// Package catalog resolves display metadata for strains. It is consulted for
// listings only; no settlement decision depends on it.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

type Strain struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rarity Rarity `json:"rarity"`
}

type Catalog interface {
	Strain(id string) (Strain, bool)
}

// Static is an in-memory catalog keyed by strain id.
type Static map[string]Strain

func (c Static) Strain(id string) (Strain, bool) {
	s, ok := c[id]
	return s, ok
}

// IDs returns the strain ids in sorted order.
func (c Static) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func Default() Static {
	return Static{
		"og-kush":            {ID: "og-kush", Name: "OG Kush", Rarity: RarityRare},
		"blue-dream":         {ID: "blue-dream", Name: "Blue Dream", Rarity: RarityCommon},
		"sour-diesel":        {ID: "sour-diesel", Name: "Sour Diesel", Rarity: RarityCommon},
		"girl-scout-cookies": {ID: "girl-scout-cookies", Name: "Girl Scout Cookies", Rarity: RarityEpic},
	}
}

// Load reads a JSON array of strains from path.
func Load(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var strains []Strain
	if err := json.Unmarshal(data, &strains); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := make(Static, len(strains))
	for _, s := range strains {
		if s.ID == "" {
			return nil, fmt.Errorf("catalog entry without id")
		}
		c[s.ID] = s
	}
	return c, nil
}
