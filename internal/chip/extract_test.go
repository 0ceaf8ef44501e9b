package chip

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chip-extractor/internal/catalog"
	"chip-extractor/internal/geojson"
	"chip-extractor/internal/raster"
	"chip-extractor/internal/raster/rastertest"
	"chip-extractor/internal/storage"
)

type memReaderAt struct {
	*bytes.Reader
}

func (m memReaderAt) Close() error { return nil }

type memOpener struct {
	assets map[string][]byte
}

func (o *memOpener) Open(_ context.Context, rawURL string) (storage.SizedReaderAt, error) {
	data, ok := o.assets[rawURL]
	if !ok {
		return nil, errors.New("no such asset: " + rawURL)
	}
	return memReaderAt{bytes.NewReader(data)}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// uniformBand encodes a 100x100 EPSG:4326 raster holding a single value
// everywhere, with (13.0, 53.0) at the upper-left corner.
func uniformBand(value uint16) []byte {
	return rastertest.Encode(rastertest.Spec{
		Width: 100, Height: 100,
		PixelScale: [2]float64{0.01, 0.01},
		Origin:     [2]float64{13.0, 53.0},
		EPSG:       4326,
		Sample:     func(x, y int) uint16 { return value },
	})
}

func testScene(assets map[string][]byte, opener *memOpener) catalog.Scene {
	scene := catalog.Scene{
		ID:       "S2A_TEST_20210704",
		Assets:   map[string]string{},
		Acquired: time.Date(2021, 7, 4, 10, 0, 0, 0, time.UTC),
	}
	for band, data := range assets {
		url := "mem://" + band
		scene.Assets[band] = url
		opener.assets[url] = data
	}
	return scene
}

func TestExtractComposesBandsIntoChannels(t *testing.T) {
	opener := &memOpener{assets: map[string][]byte{}}
	scene := testScene(map[string][]byte{
		"swir16": uniformBand(3000), // halfway through the 600..5400 stretch
		"nir08":  uniformBand(700),  // at the bottom of 700..4300
		"red":    uniformBand(2800), // at the top of 400..2800
	}, opener)

	ex, err := NewExtractor(opener, []string{"swir16", "nir08", "red"}, 4, 1, discardLogger())
	require.NoError(t, err)

	pt := geojson.Point{ID: "p1", Lon: 13.4, Lat: 52.5}
	c, err := ex.Extract(context.Background(), scene, pt)
	require.NoError(t, err)

	require.Equal(t, 4, c.Image.Rect.Dx())
	require.Equal(t, 4, c.Image.Rect.Dy())
	assert.Equal(t, "p1", c.PointID)
	assert.Equal(t, scene.Acquired, c.Acquired)

	px := c.Image.RGBAAt(2, 2)
	assert.Equal(t, uint8(128), px.R)
	assert.Equal(t, uint8(1), px.G)
	assert.Equal(t, uint8(255), px.B)
	assert.Equal(t, uint8(255), px.A)
}

func TestExtractPadsEdgeWithZeros(t *testing.T) {
	opener := &memOpener{assets: map[string][]byte{}}
	scene := testScene(map[string][]byte{
		"swir16": uniformBand(3000),
		"nir08":  uniformBand(3000),
		"red":    uniformBand(2000),
	}, opener)

	ex, err := NewExtractor(opener, []string{"swir16", "nir08", "red"}, 4, 1, discardLogger())
	require.NoError(t, err)

	// Maps to pixel (0, 0); a 4x4 centered window hangs 2 columns and 2 rows
	// off the raster.
	pt := geojson.Point{ID: "edge", Lon: 13.001, Lat: 52.999}
	c, err := ex.Extract(context.Background(), scene, pt)
	require.NoError(t, err)

	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			px := c.Image.RGBAAt(x, y)
			if x < 2 || y < 2 {
				assert.Equal(t, uint8(0), px.R, "pixel (%d,%d)", x, y)
				assert.Equal(t, uint8(0), px.G, "pixel (%d,%d)", x, y)
				assert.Equal(t, uint8(0), px.B, "pixel (%d,%d)", x, y)
			} else {
				assert.NotEqual(t, uint8(0), px.R, "pixel (%d,%d)", x, y)
			}
		}
	}
}

func TestExtractPointOutsideRaster(t *testing.T) {
	opener := &memOpener{assets: map[string][]byte{}}
	scene := testScene(map[string][]byte{
		"swir16": uniformBand(3000),
		"nir08":  uniformBand(3000),
		"red":    uniformBand(2000),
	}, opener)

	ex, err := NewExtractor(opener, []string{"swir16", "nir08", "red"}, 4, 1, discardLogger())
	require.NoError(t, err)

	pt := geojson.Point{ID: "far", Lon: 40, Lat: 10}
	_, err = ex.Extract(context.Background(), scene, pt)
	assert.True(t, errors.Is(err, raster.ErrOutsideRaster))
}

func TestExtractMissingAsset(t *testing.T) {
	opener := &memOpener{assets: map[string][]byte{}}
	scene := testScene(map[string][]byte{
		"swir16": uniformBand(3000),
		"nir08":  uniformBand(3000),
	}, opener)

	ex, err := NewExtractor(opener, []string{"swir16", "nir08", "red"}, 4, 1, discardLogger())
	require.NoError(t, err)

	pt := geojson.Point{ID: "p", Lon: 13.4, Lat: 52.5}
	_, err = ex.Extract(context.Background(), scene, pt)
	assert.True(t, errors.Is(err, ErrBadScene))
}

func TestNewExtractorValidatesArguments(t *testing.T) {
	opener := &memOpener{assets: map[string][]byte{}}

	_, err := NewExtractor(opener, nil, 64, 1.3, discardLogger())
	assert.Error(t, err)

	_, err = NewExtractor(opener, []string{"a", "b", "c", "d"}, 64, 1.3, discardLogger())
	assert.Error(t, err)

	_, err = NewExtractor(opener, []string{"red"}, 0, 1.3, discardLogger())
	assert.Error(t, err)
}

func TestScaleSample(t *testing.T) {
	st := stretch{1000, 2000}

	assert.Equal(t, uint8(0), scaleSample(0, st, 1.3), "nodata stays 0")
	assert.Equal(t, uint8(1), scaleSample(500, st, 1.3), "below range clamps to 1")
	assert.Equal(t, uint8(1), scaleSample(1000, st, 1.3))
	assert.Equal(t, uint8(255), scaleSample(2000, st, 1.3))
	assert.Equal(t, uint8(255), scaleSample(60000, st, 1.3), "above range clamps to 255")

	// The exponent darkens midtones.
	linear := scaleSample(1500, st, 1)
	curved := scaleSample(1500, st, 1.3)
	assert.Equal(t, uint8(128), linear)
	assert.Less(t, curved, linear)
}
