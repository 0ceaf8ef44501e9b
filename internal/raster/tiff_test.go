package raster_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chip-extractor/internal/raster"
	"chip-extractor/internal/raster/rastertest"
)

func openTIFF(t *testing.T, spec rastertest.Spec) *raster.Raster {
	t.Helper()

	data := rastertest.Encode(spec)
	ra, err := raster.Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return ra
}

func gradient(x, y int) uint16 { return uint16(y*100 + x + 1) }

func stripedSpec() rastertest.Spec {
	return rastertest.Spec{
		Width: 10, Height: 8,
		RowsPerStrip: 3,
		PixelScale:   [2]float64{10, 10},
		Origin:       [2]float64{499500, 500},
		EPSG:         32633,
		Sample:       gradient,
	}
}

func TestOpenParsesDimensions(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	assert.Equal(t, 10, ra.Width())
	assert.Equal(t, 8, ra.Height())
}

func TestReadWindowFullyInside(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	w := raster.CenteredWindow(5, 4, 4)
	assert.Equal(t, raster.Window{X0: 3, Y0: 2, W: 4, H: 4}, w)

	data, err := ra.ReadWindow(w)
	require.NoError(t, err)
	require.Len(t, data, 16)

	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 4; dx++ {
			assert.Equal(t, gradient(3+dx, 2+dy), data[dy*4+dx], "pixel (%d,%d)", dx, dy)
		}
	}
}

func TestReadWindowCenteredAtCenterHasNoPadding(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	data, err := ra.ReadWindow(raster.CenteredWindow(5, 4, 6))
	require.NoError(t, err)

	for i, v := range data {
		assert.NotEqual(t, raster.Nodata, v, "pixel %d", i)
	}
}

func TestReadWindowPadsEdgeOverflow(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	// Window hangs k=3 columns off the left edge.
	data, err := ra.ReadWindow(raster.Window{X0: -3, Y0: 0, W: 8, H: 4})
	require.NoError(t, err)

	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 8; dx++ {
			v := data[dy*8+dx]
			if dx < 3 {
				assert.Equal(t, raster.Nodata, v, "padded pixel (%d,%d)", dx, dy)
			} else {
				assert.Equal(t, gradient(dx-3, dy), v, "real pixel (%d,%d)", dx, dy)
			}
		}
	}
}

func TestReadWindowPadsBottomOverflow(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	// Window hangs k=2 rows off the bottom edge.
	data, err := ra.ReadWindow(raster.Window{X0: 0, Y0: 6, W: 4, H: 4})
	require.NoError(t, err)

	for dy := 0; dy < 4; dy++ {
		for dx := 0; dx < 4; dx++ {
			v := data[dy*4+dx]
			if dy >= 2 {
				assert.Equal(t, raster.Nodata, v, "padded pixel (%d,%d)", dx, dy)
			} else {
				assert.Equal(t, gradient(dx, 6+dy), v, "real pixel (%d,%d)", dx, dy)
			}
		}
	}
}

func TestReadWindowEntirelyOutside(t *testing.T) {
	ra := openTIFF(t, stripedSpec())

	_, err := ra.ReadWindow(raster.Window{X0: 100, Y0: 100, W: 4, H: 4})
	assert.True(t, errors.Is(err, raster.ErrOutsideRaster))

	_, err = ra.ReadWindow(raster.Window{X0: -10, Y0: -10, W: 4, H: 4})
	assert.True(t, errors.Is(err, raster.ErrOutsideRaster))
}

func TestReadWindowTiledDeflatePredictor(t *testing.T) {
	ra := openTIFF(t, rastertest.Spec{
		Width: 100, Height: 60,
		Tiled: true, TileW: 16, TileH: 16,
		Deflate: true, Predictor: true,
		Sample: gradient,
	})

	// A window crossing several tile boundaries.
	data, err := ra.ReadWindow(raster.Window{X0: 12, Y0: 10, W: 40, H: 24})
	require.NoError(t, err)

	for dy := 0; dy < 24; dy++ {
		for dx := 0; dx < 40; dx++ {
			assert.Equal(t, gradient(12+dx, 10+dy), data[dy*40+dx], "pixel (%d,%d)", dx, dy)
		}
	}
}

func TestReadWindowTiledRightEdge(t *testing.T) {
	ra := openTIFF(t, rastertest.Spec{
		Width: 20, Height: 20,
		Tiled: true, TileW: 16, TileH: 16,
		Deflate: true,
		Sample:  gradient,
	})

	// Touches the partial tiles at the right and bottom edges.
	data, err := ra.ReadWindow(raster.Window{X0: 14, Y0: 14, W: 6, H: 6})
	require.NoError(t, err)

	for dy := 0; dy < 6; dy++ {
		for dx := 0; dx < 6; dx++ {
			assert.Equal(t, gradient(14+dx, 14+dy), data[dy*6+dx])
		}
	}
}

func TestPixelFromGeoUTM(t *testing.T) {
	ra := openTIFF(t, rastertest.Spec{
		Width: 100, Height: 100,
		PixelScale: [2]float64{10, 10},
		Origin:     [2]float64{499500, 500},
		EPSG:       32633,
		Sample:     gradient,
	})

	// lon 15 is the central meridian of zone 33; the equator maps exactly to
	// easting 500000, northing 0.
	col, row, err := ra.PixelFromGeo(15, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, col)
	assert.Equal(t, 50, row)
}

func TestPixelFromGeoGeographic(t *testing.T) {
	ra := openTIFF(t, rastertest.Spec{
		Width: 100, Height: 100,
		PixelScale: [2]float64{0.01, 0.01},
		Origin:     [2]float64{13.0, 53.0},
		EPSG:       4326,
		Sample:     gradient,
	})

	col, row, err := ra.PixelFromGeo(13.4, 52.5)
	require.NoError(t, err)
	assert.Equal(t, 40, col)
	assert.Equal(t, 50, row)
}

func TestPixelFromGeoUnsupportedCRS(t *testing.T) {
	ra := openTIFF(t, rastertest.Spec{
		Width: 10, Height: 10,
		PixelScale: [2]float64{10, 10},
		Origin:     [2]float64{0, 0},
		EPSG:       3857,
		Sample:     gradient,
	})

	_, _, err := ra.PixelFromGeo(13.4, 52.5)
	assert.True(t, errors.Is(err, raster.ErrUnsupported))
}

func TestOpenRejectsNonTIFF(t *testing.T) {
	data := []byte("definitely not a tiff")
	_, err := raster.Open(bytes.NewReader(data), int64(len(data)))
	assert.True(t, errors.Is(err, raster.ErrUnsupported))
}

func TestCenteredWindowFloorsOddSizes(t *testing.T) {
	assert.Equal(t, raster.Window{X0: 8, Y0: 18, W: 5, H: 5}, raster.CenteredWindow(10, 20, 5))
	assert.Equal(t, raster.Window{X0: 8, Y0: 18, W: 4, H: 4}, raster.CenteredWindow(10, 20, 4))
}
