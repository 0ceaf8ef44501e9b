// Package rastertest builds minimal in-memory GeoTIFFs for tests.
package rastertest

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// Spec describes the synthetic GeoTIFF to encode. Zero values for the layout
// fields mean a single uncompressed strip covering the whole image.
type Spec struct {
	Width, Height int

	Tiled        bool
	TileW, TileH int
	RowsPerStrip int

	Deflate   bool
	Predictor bool

	PixelScale [2]float64 // sx, sy; zero means no georeferencing tags
	Origin     [2]float64 // model x, y of the upper-left corner
	EPSG       int

	Sample func(x, y int) uint16
}

type tagValue struct {
	tag     uint16
	typ     uint16
	count   uint32
	payload []byte
}

func shorts(vals ...uint16) []byte {
	buf := new(bytes.Buffer)
	for _, v := range vals {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func longs(vals ...uint32) []byte {
	buf := new(bytes.Buffer)
	for _, v := range vals {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func doubles(vals ...float64) []byte {
	buf := new(bytes.Buffer)
	for _, v := range vals {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

// Encode serializes the spec as a little-endian classic GeoTIFF with a single
// image directory.
func Encode(spec Spec) []byte {
	if spec.RowsPerStrip == 0 && !spec.Tiled {
		spec.RowsPerStrip = spec.Height
	}

	blocks := encodeBlocks(spec)
	nblocks := len(blocks)

	offsetsTag, countsTag := uint16(273), uint16(279)
	if spec.Tiled {
		offsetsTag, countsTag = 324, 325
	}

	compression := uint16(1)
	if spec.Deflate {
		compression = 8
	}

	values := []tagValue{
		{256, 3, 1, shorts(uint16(spec.Width))},
		{257, 3, 1, shorts(uint16(spec.Height))},
		{258, 3, 1, shorts(16)},
		{259, 3, 1, shorts(compression)},
		{262, 3, 1, shorts(1)},
		{offsetsTag, 4, uint32(nblocks), make([]byte, 4*nblocks)}, // filled once blocks are placed
		{277, 3, 1, shorts(1)},
	}

	if spec.Tiled {
		values = append(values,
			tagValue{322, 3, 1, shorts(uint16(spec.TileW))},
			tagValue{323, 3, 1, shorts(uint16(spec.TileH))},
		)
	} else {
		values = append(values, tagValue{278, 3, 1, shorts(uint16(spec.RowsPerStrip))})
	}

	countsPayload := new(bytes.Buffer)
	for _, b := range blocks {
		binary.Write(countsPayload, binary.LittleEndian, uint32(len(b)))
	}
	values = append(values, tagValue{countsTag, 4, uint32(nblocks), countsPayload.Bytes()})

	if spec.Predictor {
		values = append(values, tagValue{317, 3, 1, shorts(2)})
	}

	if spec.PixelScale[0] != 0 {
		values = append(values,
			tagValue{33550, 12, 3, doubles(spec.PixelScale[0], spec.PixelScale[1], 0)},
			tagValue{33922, 12, 6, doubles(0, 0, 0, spec.Origin[0], spec.Origin[1], 0)},
		)
	}
	if spec.EPSG != 0 {
		values = append(values, tagValue{34735, 3, 8, shorts(1, 1, 0, 1, 3072, 0, 1, uint16(spec.EPSG))})
	}

	// TIFF requires IFD entries sorted by tag.
	for i := range values {
		for j := i + 1; j < len(values); j++ {
			if values[j].tag < values[i].tag {
				values[i], values[j] = values[j], values[i]
			}
		}
	}

	// Layout: header, IFD, external tag values, block data.
	ifdSize := 2 + len(values)*12 + 4
	cursor := uint32(8 + ifdSize)

	externalOffsets := make([]uint32, len(values))
	for i, v := range values {
		if len(v.payload) > 4 {
			externalOffsets[i] = cursor
			cursor += uint32(len(v.payload))
		}
	}

	blockOffsets := make([]uint32, nblocks)
	for i, b := range blocks {
		blockOffsets[i] = cursor
		cursor += uint32(len(b))
	}
	for i := range values {
		if values[i].tag == offsetsTag {
			values[i].payload = longs(blockOffsets...)
		}
	}

	out := new(bytes.Buffer)
	out.Write([]byte{'I', 'I', 42, 0})
	binary.Write(out, binary.LittleEndian, uint32(8))

	binary.Write(out, binary.LittleEndian, uint16(len(values)))
	for i, v := range values {
		binary.Write(out, binary.LittleEndian, v.tag)
		binary.Write(out, binary.LittleEndian, v.typ)
		binary.Write(out, binary.LittleEndian, v.count)
		if len(v.payload) > 4 {
			binary.Write(out, binary.LittleEndian, externalOffsets[i])
		} else {
			padded := make([]byte, 4)
			copy(padded, v.payload)
			out.Write(padded)
		}
	}
	binary.Write(out, binary.LittleEndian, uint32(0)) // no next IFD

	for _, v := range values {
		if len(v.payload) > 4 {
			out.Write(v.payload)
		}
	}
	for _, b := range blocks {
		out.Write(b)
	}

	return out.Bytes()
}

func encodeBlocks(spec Spec) [][]byte {
	var blocks [][]byte

	appendBlock := func(x0, y0, bw, bh int) {
		raw := make([]byte, bw*bh*2)
		for y := 0; y < bh; y++ {
			for x := 0; x < bw; x++ {
				var v uint16
				if x0+x < spec.Width && y0+y < spec.Height {
					v = spec.Sample(x0+x, y0+y)
				}
				binary.LittleEndian.PutUint16(raw[(y*bw+x)*2:], v)
			}
		}

		if spec.Predictor {
			for y := 0; y < bh; y++ {
				row := raw[y*bw*2 : (y+1)*bw*2]
				for x := bw - 1; x >= 1; x-- {
					prev := binary.LittleEndian.Uint16(row[(x-1)*2:])
					cur := binary.LittleEndian.Uint16(row[x*2:])
					binary.LittleEndian.PutUint16(row[x*2:], cur-prev)
				}
			}
		}

		if spec.Deflate {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				panic(err)
			}
			if err := zw.Close(); err != nil {
				panic(err)
			}
			raw = buf.Bytes()
		}

		blocks = append(blocks, raw)
	}

	if spec.Tiled {
		for y0 := 0; y0 < spec.Height; y0 += spec.TileH {
			for x0 := 0; x0 < spec.Width; x0 += spec.TileW {
				appendBlock(x0, y0, spec.TileW, spec.TileH)
			}
		}
	} else {
		for y0 := 0; y0 < spec.Height; y0 += spec.RowsPerStrip {
			bh := spec.RowsPerStrip
			if rem := spec.Height - y0; rem < bh {
				bh = rem
			}
			appendBlock(0, y0, spec.Width, bh)
		}
	}

	return blocks
}
