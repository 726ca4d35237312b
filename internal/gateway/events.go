package gateway

import (
	"encoding/json"
	"fmt"
	"os"

	"premarket-router/pkg/types"
)

// platformFile is the shape of each venue's static event listing: which
// outcomes ("teams" in the original's sports-market framing) that venue
// carries for a given event ID.
type platformFile struct {
	Teams map[string]json.RawMessage `json:"teams"`
}

// EventRegistry answers which venues carry a given event's outcomes,
// merged across every venue's static listing file the way the original's
// _load_platform_teams merges polymarket_tokens.json, limitless_slugs.json,
// and opinion_tokens.json into one event -> outcome -> platforms map.
type EventRegistry struct {
	// eventID -> outcome -> venues carrying it
	platforms map[string]map[string][]types.VenueID
}

// LoadEventRegistry reads one static listing file per venue and merges
// them into a single registry.
func LoadEventRegistry(paths map[types.VenueID]string) (*EventRegistry, error) {
	merged := map[string]map[string][]types.VenueID{}

	for venue, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read platform file for %s: %w", venue, err)
		}
		var raw map[string]platformFile
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("unmarshal platform file for %s: %w", venue, err)
		}
		for eventID, info := range raw {
			if merged[eventID] == nil {
				merged[eventID] = map[string][]types.VenueID{}
			}
			for outcome := range info.Teams {
				merged[eventID][outcome] = append(merged[eventID][outcome], venue)
			}
		}
	}

	return &EventRegistry{platforms: merged}, nil
}

// Platforms returns the outcome -> venues mapping for one event. The zero
// value (empty map) is returned for an unknown event.
func (r *EventRegistry) Platforms(eventID string) map[string][]types.VenueID {
	if p, ok := r.platforms[eventID]; ok {
		return p
	}
	return map[string][]types.VenueID{}
}
