// Package geojson loads point geometries from GeoJSON feature collections.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	geo "github.com/nci/geometry"
)

// ErrInvalidInput marks a malformed or unusable GeoJSON source. Loading
// errors are fatal to a run, unlike per-task extraction errors.
var ErrInvalidInput = errors.New("invalid geojson input")

// Point is one coordinate record, immutable once loaded.
type Point struct {
	ID  string
	Lon float64
	Lat float64
}

type feature struct {
	Geometry   geo.Geometry           `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type pointGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// LoadPoints reads a GeoJSON FeatureCollection of Point features, preserving
// source order. The point id comes from the feature's ID property when
// present, otherwise from the feature index.
func LoadPoints(path string) ([]Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidInput, path, err)
	}

	var featureCol featureCollection
	if err := json.Unmarshal(data, &featureCol); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidInput, path, err)
	}

	points := make([]Point, 0, len(featureCol.Features))
	for i, feat := range featureCol.Features {
		// The geometry type keeps coordinates untyped, so round-trip it
		// through JSON into the point shape we expect.
		rawGeom, err := json.Marshal(feat.Geometry)
		if err != nil {
			return nil, fmt.Errorf("%w: feature %d geometry: %v", ErrInvalidInput, i, err)
		}

		var geom pointGeometry
		if err := json.Unmarshal(rawGeom, &geom); err != nil || geom.Type != "Point" {
			return nil, fmt.Errorf("%w: feature %d is not a Point geometry", ErrInvalidInput, i)
		}
		if len(geom.Coordinates) < 2 {
			return nil, fmt.Errorf("%w: feature %d has %d coordinates, need lon/lat", ErrInvalidInput, i, len(geom.Coordinates))
		}

		lon, lat := geom.Coordinates[0], geom.Coordinates[1]
		if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("%w: feature %d coordinate (%f, %f) out of range", ErrInvalidInput, i, lon, lat)
		}

		points = append(points, Point{
			ID:  featureID(feat.Properties, i),
			Lon: lon,
			Lat: lat,
		})
	}

	return points, nil
}

func featureID(properties map[string]interface{}, index int) string {
	for _, key := range []string{"ID", "id"} {
		switch v := properties[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return strconv.Itoa(index)
}
