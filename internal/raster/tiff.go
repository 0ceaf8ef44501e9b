// Package raster reads pixel windows out of GeoTIFF assets through an
// io.ReaderAt, so remote cloud-optimized GeoTIFFs are read with ranged
// requests instead of full downloads.
package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

// ErrOutsideRaster marks a requested window that lies entirely outside the
// raster's extent. Partial overlap is not an error: the out-of-bounds region
// is filled with the nodata value instead.
var ErrOutsideRaster = errors.New("window outside raster extent")

// ErrUnsupported marks a raster the reader cannot handle.
var ErrUnsupported = errors.New("unsupported raster format")

// Nodata is the fill value for window pixels outside the raster extent.
const Nodata uint16 = 0

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735

	compressionNone    = 1
	compressionDeflate = 8

	predictorNone       = 1
	predictorHorizontal = 2

	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
)

// Window is an axis-aligned pixel region. X0/Y0 may be negative or beyond the
// raster edge; ReadWindow pads what it cannot read.
type Window struct {
	X0, Y0 int
	W, H   int
}

// CenteredWindow builds a size x size window centered on a pixel, flooring
// the top-left corner when exact centering is not integral.
func CenteredWindow(col, row, size int) Window {
	return Window{
		X0: col - size/2,
		Y0: row - size/2,
		W:  size,
		H:  size,
	}
}

// Raster is an open single-band GeoTIFF. It keeps no pixel state between
// calls; every ReadWindow decodes the blocks it touches.
type Raster struct {
	r         io.ReaderAt
	byteOrder binary.ByteOrder

	width, height int
	bits          int
	compression   int
	predictor     int

	tiled                 bool
	tileWidth, tileHeight int
	rowsPerStrip          int
	offsets, counts       []uint64

	hasGeo           bool
	originX, originY float64
	scaleX, scaleY   float64
	epsg             int
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	raw      [4]byte
}

// Open parses the first image directory of a classic TIFF. Only the layouts
// produced for Sentinel-2 band COGs are supported: single band, 8- or 16-bit
// unsigned samples, no compression or Deflate with optional horizontal
// predictor, tiled or stripped.
func Open(r io.ReaderAt, size int64) (*Raster, error) {
	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading tiff header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case header[0] == 'I' && header[1] == 'I':
		order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a tiff file", ErrUnsupported)
	}

	if order.Uint16(header[2:4]) != 42 {
		return nil, fmt.Errorf("%w: bad tiff magic", ErrUnsupported)
	}

	ra := &Raster{
		r:           r,
		byteOrder:   order,
		compression: compressionNone,
		predictor:   predictorNone,
		bits:        16,
	}

	if err := ra.parseIFD(int64(order.Uint32(header[4:8])), size); err != nil {
		return nil, err
	}

	return ra, nil
}

func (ra *Raster) parseIFD(offset, fileSize int64) error {
	countBuf := make([]byte, 2)
	if _, err := ra.r.ReadAt(countBuf, offset); err != nil {
		return fmt.Errorf("reading ifd at %d: %w", offset, err)
	}

	n := int(ra.byteOrder.Uint16(countBuf))
	entryBuf := make([]byte, n*12)
	if _, err := ra.r.ReadAt(entryBuf, offset+2); err != nil {
		return fmt.Errorf("reading %d ifd entries: %w", n, err)
	}

	samplesPerPixel := 1
	sampleFormat := 1

	for i := 0; i < n; i++ {
		entry := ifdEntry{
			tag:      ra.byteOrder.Uint16(entryBuf[i*12:]),
			datatype: ra.byteOrder.Uint16(entryBuf[i*12+2:]),
			count:    ra.byteOrder.Uint32(entryBuf[i*12+4:]),
		}
		copy(entry.raw[:], entryBuf[i*12+8:i*12+12])

		switch entry.tag {
		case tagImageWidth:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.width = int(v[0])
		case tagImageLength:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.height = int(v[0])
		case tagBitsPerSample:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.bits = int(v[0])
		case tagCompression:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.compression = int(v[0])
		case tagSamplesPerPixel:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			samplesPerPixel = int(v[0])
		case tagSampleFormat:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			sampleFormat = int(v[0])
		case tagPredictor:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.predictor = int(v[0])
		case tagRowsPerStrip:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.rowsPerStrip = int(v[0])
		case tagStripOffsets, tagTileOffsets:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.offsets = v
			ra.tiled = entry.tag == tagTileOffsets
		case tagStripByteCounts, tagTileByteCounts:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.counts = v
		case tagTileWidth:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.tileWidth = int(v[0])
		case tagTileLength:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.tileHeight = int(v[0])
		case tagModelPixelScale:
			v, err := ra.doubleValues(entry)
			if err != nil {
				return err
			}
			if len(v) >= 2 {
				ra.scaleX, ra.scaleY = v[0], v[1]
			}
		case tagModelTiepoint:
			v, err := ra.doubleValues(entry)
			if err != nil {
				return err
			}
			if len(v) >= 6 {
				// Tiepoint maps raster (i, j) to model (x, y); shift back to
				// the (0, 0) origin.
				ra.originX = v[3] - v[0]*ra.scaleX
				ra.originY = v[4] + v[1]*ra.scaleY
				ra.hasGeo = true
			}
		case tagGeoKeyDirectory:
			v, err := ra.uintValues(entry)
			if err != nil {
				return err
			}
			ra.parseGeoKeys(v)
		}
	}

	if ra.width <= 0 || ra.height <= 0 {
		return fmt.Errorf("%w: missing image dimensions", ErrUnsupported)
	}
	if samplesPerPixel != 1 {
		return fmt.Errorf("%w: %d samples per pixel, want single band", ErrUnsupported, samplesPerPixel)
	}
	if sampleFormat != 1 {
		return fmt.Errorf("%w: sample format %d, want unsigned integer", ErrUnsupported, sampleFormat)
	}
	if ra.bits != 8 && ra.bits != 16 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, ra.bits)
	}
	if ra.compression != compressionNone && ra.compression != compressionDeflate {
		return fmt.Errorf("%w: compression %d", ErrUnsupported, ra.compression)
	}
	if len(ra.offsets) == 0 || len(ra.offsets) != len(ra.counts) {
		return fmt.Errorf("%w: inconsistent block offsets", ErrUnsupported)
	}
	if ra.tiled && (ra.tileWidth <= 0 || ra.tileHeight <= 0) {
		return fmt.Errorf("%w: tiled layout without tile dimensions", ErrUnsupported)
	}
	if !ra.tiled && ra.rowsPerStrip <= 0 {
		ra.rowsPerStrip = ra.height
	}
	for i := range ra.offsets {
		if int64(ra.offsets[i]+ra.counts[i]) > fileSize {
			return fmt.Errorf("%w: block %d extends past end of file", ErrUnsupported, i)
		}
	}

	return nil
}

// The geo key directory is a table of shorts: a 4-short header followed by
// 4-short entries (key id, tag location, count, value).
func (ra *Raster) parseGeoKeys(dir []uint64) {
	for i := 4; i+3 < len(dir); i += 4 {
		keyID, location, value := dir[i], dir[i+1], dir[i+3]
		if location != 0 {
			continue
		}
		switch keyID {
		case geoKeyProjectedCSType:
			ra.epsg = int(value)
		case geoKeyGeographicType:
			if ra.epsg == 0 {
				ra.epsg = int(value)
			}
		}
	}
}

func typeSize(datatype uint16) int {
	switch datatype {
	case 1, 2: // BYTE, ASCII
		return 1
	case 3: // SHORT
		return 2
	case 4: // LONG
		return 4
	case 12: // DOUBLE
		return 8
	default:
		return 0
	}
}

func (ra *Raster) valueBytes(entry ifdEntry) ([]byte, error) {
	size := typeSize(entry.datatype)
	if size == 0 {
		return nil, fmt.Errorf("%w: tag %d has unsupported datatype %d", ErrUnsupported, entry.tag, entry.datatype)
	}

	total := size * int(entry.count)
	if total <= 4 {
		return entry.raw[:total], nil
	}

	buf := make([]byte, total)
	if _, err := ra.r.ReadAt(buf, int64(ra.byteOrder.Uint32(entry.raw[:]))); err != nil {
		return nil, fmt.Errorf("reading tag %d values: %w", entry.tag, err)
	}
	return buf, nil
}

func (ra *Raster) uintValues(entry ifdEntry) ([]uint64, error) {
	buf, err := ra.valueBytes(entry)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, entry.count)
	for i := range out {
		switch entry.datatype {
		case 1:
			out[i] = uint64(buf[i])
		case 3:
			out[i] = uint64(ra.byteOrder.Uint16(buf[i*2:]))
		case 4:
			out[i] = uint64(ra.byteOrder.Uint32(buf[i*4:]))
		default:
			return nil, fmt.Errorf("%w: tag %d is not an integer tag", ErrUnsupported, entry.tag)
		}
	}
	return out, nil
}

func (ra *Raster) doubleValues(entry ifdEntry) ([]float64, error) {
	if entry.datatype != 12 {
		return nil, fmt.Errorf("%w: tag %d is not a double tag", ErrUnsupported, entry.tag)
	}

	buf, err := ra.valueBytes(entry)
	if err != nil {
		return nil, err
	}

	out := make([]float64, entry.count)
	for i := range out {
		out[i] = math.Float64frombits(ra.byteOrder.Uint64(buf[i*8:]))
	}
	return out, nil
}

func (ra *Raster) Width() int  { return ra.width }
func (ra *Raster) Height() int { return ra.height }

// PixelFromGeo converts a WGS84 lon/lat coordinate to the raster's pixel
// space, returning the pixel containing the coordinate.
func (ra *Raster) PixelFromGeo(lon, lat float64) (col, row int, err error) {
	if !ra.hasGeo || ra.scaleX == 0 || ra.scaleY == 0 {
		return 0, 0, fmt.Errorf("%w: raster has no georeferencing", ErrUnsupported)
	}

	x, y, err := ra.project(lon, lat)
	if err != nil {
		return 0, 0, err
	}

	col = int(math.Floor((x - ra.originX) / ra.scaleX))
	row = int(math.Floor((ra.originY - y) / ra.scaleY))
	return col, row, nil
}

func (ra *Raster) project(lon, lat float64) (x, y float64, err error) {
	switch {
	case ra.epsg == 0 || ra.epsg == 4326:
		return lon, lat, nil
	case ra.epsg >= 32601 && ra.epsg <= 32660:
		x, y = utmForward(lon, lat, ra.epsg-32600, true)
		return x, y, nil
	case ra.epsg >= 32701 && ra.epsg <= 32760:
		x, y = utmForward(lon, lat, ra.epsg-32700, false)
		return x, y, nil
	default:
		return 0, 0, fmt.Errorf("%w: CRS EPSG:%d", ErrUnsupported, ra.epsg)
	}
}

// ReadWindow returns w.W*w.H samples in row-major order. Pixels outside the
// raster extent hold Nodata; a window with no overlap at all fails with
// ErrOutsideRaster.
func (ra *Raster) ReadWindow(w Window) ([]uint16, error) {
	if w.W <= 0 || w.H <= 0 {
		return nil, fmt.Errorf("invalid window %+v", w)
	}

	ix0, iy0 := max(w.X0, 0), max(w.Y0, 0)
	ix1, iy1 := min(w.X0+w.W, ra.width), min(w.Y0+w.H, ra.height)
	if ix0 >= ix1 || iy0 >= iy1 {
		return nil, fmt.Errorf("%w: window %+v vs raster %dx%d", ErrOutsideRaster, w, ra.width, ra.height)
	}

	dest := make([]uint16, w.W*w.H) // zero value doubles as the nodata fill

	blocks := map[int][]uint16{}
	for y := iy0; y < iy1; y++ {
		for x := ix0; x < ix1; x++ {
			idx, local := ra.locate(x, y)

			block, ok := blocks[idx]
			if !ok {
				var err error
				block, err = ra.decodeBlock(idx)
				if err != nil {
					return nil, err
				}
				blocks[idx] = block
			}

			dest[(y-w.Y0)*w.W+(x-w.X0)] = block[local]
		}
	}

	return dest, nil
}

// locate maps a raster pixel to its block index and the offset within the
// decoded block.
func (ra *Raster) locate(x, y int) (idx, local int) {
	if ra.tiled {
		tilesAcross := (ra.width + ra.tileWidth - 1) / ra.tileWidth
		idx = (y/ra.tileHeight)*tilesAcross + x/ra.tileWidth
		local = (y%ra.tileHeight)*ra.tileWidth + x%ra.tileWidth
		return idx, local
	}

	strip := y / ra.rowsPerStrip
	return strip, (y-strip*ra.rowsPerStrip)*ra.width + x
}

func (ra *Raster) blockDims(idx int) (bw, bh int) {
	if ra.tiled {
		// Edge tiles are stored at full tile size.
		return ra.tileWidth, ra.tileHeight
	}

	bh = ra.rowsPerStrip
	if rem := ra.height - idx*ra.rowsPerStrip; rem < bh {
		bh = rem
	}
	return ra.width, bh
}

func (ra *Raster) decodeBlock(idx int) ([]uint16, error) {
	if idx < 0 || idx >= len(ra.offsets) {
		return nil, fmt.Errorf("block %d out of range (%d blocks)", idx, len(ra.offsets))
	}

	raw := make([]byte, ra.counts[idx])
	if _, err := ra.r.ReadAt(raw, int64(ra.offsets[idx])); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", idx, err)
	}

	data := raw
	if ra.compression == compressionDeflate {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("opening deflate block %d: %w", idx, err)
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompressing block %d: %w", idx, err)
		}
	}

	bw, bh := ra.blockDims(idx)
	bytesPerSample := ra.bits / 8
	if len(data) < bw*bh*bytesPerSample {
		return nil, fmt.Errorf("block %d truncated: %d bytes for %dx%d", idx, len(data), bw, bh)
	}

	if ra.predictor == predictorHorizontal {
		ra.undoPredictor(data, bw, bh)
	}

	out := make([]uint16, bw*bh)
	if ra.bits == 8 {
		for i := range out {
			out[i] = uint16(data[i])
		}
	} else {
		for i := range out {
			out[i] = ra.byteOrder.Uint16(data[i*2:])
		}
	}
	return out, nil
}

// undoPredictor reverses horizontal differencing in place, per row, on
// samples of the raster's bit depth.
func (ra *Raster) undoPredictor(data []byte, bw, bh int) {
	if ra.bits == 8 {
		for y := 0; y < bh; y++ {
			row := data[y*bw : (y+1)*bw]
			for x := 1; x < bw; x++ {
				row[x] += row[x-1]
			}
		}
		return
	}

	stride := bw * 2
	for y := 0; y < bh; y++ {
		row := data[y*stride : (y+1)*stride]
		for x := 1; x < bw; x++ {
			prev := ra.byteOrder.Uint16(row[(x-1)*2:])
			cur := ra.byteOrder.Uint16(row[x*2:])
			ra.byteOrder.PutUint16(row[x*2:], prev+cur)
		}
	}
}
