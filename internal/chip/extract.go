// Package chip cuts fixed-size image crops around geographic points out of
// Sentinel-2 scenes and writes them as JPEG files.
package chip

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"chip-extractor/internal/catalog"
	"chip-extractor/internal/geojson"
	"chip-extractor/internal/raster"
	"chip-extractor/internal/storage"
)

// ErrBadScene marks a scene that cannot be used, e.g. a catalog item missing
// one of the band assets.
var ErrBadScene = errors.New("unusable scene")

// Reflectance stretch bounds per band, tuned for false-color agriculture
// composites. Bands without an entry use the default stretch.
var bandStretch = map[string]stretch{
	"swir16": {600, 5400},
	"nir08":  {700, 4300},
	"red":    {400, 2800},
}

var defaultStretch = stretch{0, 3000}

type stretch struct {
	lo, hi float64
}

// Chip is an extracted crop, ready to encode.
type Chip struct {
	PointID  string
	SceneID  string
	Acquired time.Time
	Image    *image.RGBA
}

// Opener resolves an asset URL into a random-access reader.
type Opener interface {
	Open(ctx context.Context, rawURL string) (storage.SizedReaderAt, error)
}

// Extractor reads band windows around a point and composes them into a
// single image, one band per output channel.
type Extractor struct {
	opener   Opener
	bands    []string
	size     int
	exponent float64
	logger   *slog.Logger
}

func NewExtractor(opener Opener, bands []string, size int, exponent float64, logger *slog.Logger) (*Extractor, error) {
	if len(bands) == 0 || len(bands) > 3 {
		return nil, fmt.Errorf("need between 1 and 3 bands, got %d", len(bands))
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid chip size %d", size)
	}

	return &Extractor{
		opener:   opener,
		bands:    bands,
		size:     size,
		exponent: exponent,
		logger:   logger.With("component", "extractor"),
	}, nil
}

// Extract cuts a size x size window centered on the point out of each band of
// the scene. The window is zero-padded where it overflows the raster; a point
// entirely outside the raster fails with raster.ErrOutsideRaster.
func (e *Extractor) Extract(ctx context.Context, scene catalog.Scene, pt geojson.Point) (*Chip, error) {
	img := image.NewRGBA(image.Rect(0, 0, e.size, e.size))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 0xff
		}
	}
	if len(e.bands) == 1 {
		// Single-band chips render as grayscale.
		defer func() {
			for p := 0; p < e.size*e.size; p++ {
				img.Pix[p*4+1] = img.Pix[p*4]
				img.Pix[p*4+2] = img.Pix[p*4]
			}
		}()
	}

	for channel, band := range e.bands {
		href, ok := scene.Assets[band]
		if !ok {
			return nil, fmt.Errorf("%w: scene %s has no %q asset", ErrBadScene, scene.ID, band)
		}

		window, err := e.readBand(ctx, href, pt)
		if err != nil {
			return nil, fmt.Errorf("band %s of scene %s: %w", band, scene.ID, err)
		}

		st, ok := bandStretch[band]
		if !ok {
			st = defaultStretch
		}
		for p, v := range window {
			img.Pix[p*4+channel] = scaleSample(v, st, e.exponent)
		}
	}

	e.logger.Debug("extracted chip",
		"point_id", pt.ID, "scene_id", scene.ID, "size", e.size)

	return &Chip{
		PointID:  pt.ID,
		SceneID:  scene.ID,
		Acquired: scene.Acquired,
		Image:    img,
	}, nil
}

func (e *Extractor) readBand(ctx context.Context, href string, pt geojson.Point) ([]uint16, error) {
	rd, err := e.opener.Open(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("opening asset: %w", err)
	}
	defer rd.Close()

	ra, err := raster.Open(rd, rd.Size())
	if err != nil {
		return nil, fmt.Errorf("parsing raster: %w", err)
	}

	col, row, err := ra.PixelFromGeo(pt.Lon, pt.Lat)
	if err != nil {
		return nil, err
	}

	return ra.ReadWindow(raster.CenteredWindow(col, row, e.size))
}

// scaleSample maps a raw reflectance sample into 1..255 with a linear stretch
// followed by an exponent curve. Nodata stays 0 so padded chip edges render
// black.
func scaleSample(v uint16, st stretch, exponent float64) uint8 {
	if v == raster.Nodata {
		return 0
	}

	n := (float64(v) - st.lo) / (st.hi - st.lo)
	n = math.Min(math.Max(n, 0), 1)
	if exponent > 0 && exponent != 1 {
		n = math.Pow(n, exponent)
	}
	return uint8(math.Round(1 + 254*n))
}
