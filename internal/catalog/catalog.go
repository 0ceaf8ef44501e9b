// Package catalog finds satellite scenes covering a point within a year.
package catalog

import (
	"context"
	"errors"
	"time"

	"chip-extractor/internal/geojson"
)

// ErrSearch marks a failed catalog query. Search failures are per-task:
// callers skip the task and must not abort sibling tasks.
var ErrSearch = errors.New("catalog search failed")

// Scene is one catalog match: a satellite acquisition whose footprint
// contains the queried point. Immutable once returned.
type Scene struct {
	ID         string
	Assets     map[string]string
	Acquired   time.Time
	CloudCover float64
}

// Finder queries an imagery catalog for scenes intersecting a point within a
// calendar year, filtered by maximum cloud cover percentage. A nil slice with
// a nil error means no imagery matched, which is expected, not exceptional.
type Finder interface {
	Find(ctx context.Context, pt geojson.Point, year int, maxCloudCover float64) ([]Scene, error)
}
