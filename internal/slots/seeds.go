package slots

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

// Seed is one initial mapping installed by Bootstrap, in allocation order.
type Seed struct {
	PriceID  wire.PriceID
	AssetRef uint64
}

type seedEntry struct {
	PriceID  string `yaml:"price_id"`
	AssetRef uint64 `yaml:"asset_ref"`
}

func LoadSeeds(path, network string) ([]Seed, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %q: %w", path, err)
	}
	seeds, err := ParseSeeds(body, network)
	if err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	return seeds, nil
}

// ParseSeeds reads the list for network from a YAML document keyed by network name.
func ParseSeeds(body []byte, network string) ([]Seed, error) {
	var byNetwork map[string][]seedEntry
	if err := yaml.Unmarshal(body, &byNetwork); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeeds, err)
	}

	entries, ok := byNetwork[strings.ToLower(network)]
	if !ok {
		return nil, fmt.Errorf("%w: no seeds for network %q", ErrInvalidSeeds, network)
	}

	seen := make(map[wire.PriceID]struct{}, len(entries))
	out := make([]Seed, 0, len(entries))
	for i, entry := range entries {
		id, err := wire.ParsePriceID(entry.PriceID)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidSeeds, i, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: entry %d: duplicate price id %s", ErrInvalidSeeds, i, id.Hex())
		}
		seen[id] = struct{}{}
		out = append(out, Seed{PriceID: id, AssetRef: entry.AssetRef})
	}
	return out, nil
}
