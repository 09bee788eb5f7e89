package modelrouter

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price is one model's per-1M-token input/output rate.
type Price struct {
	InputPer1M  float64 `yaml:"inputPer1M" json:"inputPer1M"`
	OutputPer1M float64 `yaml:"outputPer1M" json:"outputPer1M"`
}

// PricingTable resolves a model ID to a Price using exact, then
// case-insensitive, then longest-prefix matching (§3 "Pricing table").
type PricingTable struct {
	entries map[string]Price
}

// NewPricingTable builds a table from the canonical model list, then
// overlays an optional YAML file of additional/overriding entries.
func NewPricingTable(models []Model, overridePath string) (*PricingTable, error) {
	t := &PricingTable{entries: make(map[string]Price)}
	for _, m := range models {
		t.entries[m.ID] = Price{InputPer1M: m.PriceInputUSD, OutputPer1M: m.PriceOutputUSD}
	}
	if overridePath == "" {
		return t, nil
	}
	data, err := os.ReadFile(overridePath)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	var override struct {
		Pricing map[string]Price `yaml:"pricing"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, err
	}
	for id, p := range override.Pricing {
		t.entries[id] = p
	}
	return t, nil
}

// Lookup resolves modelID to a Price: exact match first, then
// case-insensitive, then longest known prefix (e.g.
// "claude-sonnet-4-5-20250929" falls back to "claude-sonnet-4-5").
func (t *PricingTable) Lookup(modelID string) (Price, bool) {
	if p, ok := t.entries[modelID]; ok {
		return p, true
	}

	lower := strings.ToLower(modelID)
	for id, p := range t.entries {
		if strings.ToLower(id) == lower {
			return p, true
		}
	}

	var bestID string
	var bestPrice Price
	found := false
	for id, p := range t.entries {
		if strings.HasPrefix(modelID, id) && len(id) > len(bestID) {
			bestID, bestPrice, found = id, p, true
		}
	}
	return bestPrice, found
}
