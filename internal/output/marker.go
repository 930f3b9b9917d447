package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const markerSuffix = ".done.json"

// Marker records how a finished destination came to be complete.
type Marker struct {
	Occupation string    `json:"occupation"`
	Key        string    `json:"key"`
	Collected  int       `json:"collected"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// MarkerKey returns the key of the completion marker for destination key.
func MarkerKey(key string) string {
	return strings.TrimSuffix(key, ".txt") + markerSuffix
}

// WriteMarker stores m next to its destination.
func WriteMarker(ctx context.Context, s Store, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := s.Put(ctx, MarkerKey(m.Key), data); err != nil {
		return fmt.Errorf("write marker for %s: %w", m.Key, err)
	}
	return nil
}

// ReadMarker loads the completion marker of destination key.
func ReadMarker(ctx context.Context, s Store, key string) (Marker, error) {
	data, err := s.Get(ctx, MarkerKey(key))
	if err != nil {
		return Marker{}, fmt.Errorf("read marker for %s: %w", key, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker for %s: %w", key, err)
	}
	return m, nil
}
