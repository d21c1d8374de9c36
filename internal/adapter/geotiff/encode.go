package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

// DefaultNoData is the CHIRPS nodata value written for missing samples.
const DefaultNoData = -9999.0

// EncodeOptions controls the GeoTIFF layout written by Encode. The zero value
// writes little-endian, uncompressed float32 strips of one row each.
type EncodeOptions struct {
	BigEndian    bool
	Compression  uint16 // CompressionNone or CompressionDeflate
	Predictor    uint16 // PredictorNone or PredictorFloat
	RowsPerStrip int
	NoData       *float64
}

// Encode writes grid as a single-band float32 GeoTIFF georeferenced with a
// tiepoint at the north-west corner and a pixel scale.
func Encode(w io.Writer, grid domain.RasterGrid, opts EncodeOptions) error {
	if err := grid.Validate(); err != nil {
		return err
	}

	var bo binary.ByteOrder = binary.LittleEndian
	mark := "II"
	if opts.BigEndian {
		bo, mark = binary.BigEndian, "MM"
	}
	if opts.Compression == 0 {
		opts.Compression = CompressionNone
	}
	if opts.Predictor == 0 {
		opts.Predictor = PredictorNone
	}
	switch opts.Compression {
	case CompressionNone, CompressionDeflate, CompressionDeflateAdobe:
	default:
		return fmt.Errorf("encode: unsupported compression %d", opts.Compression)
	}
	if opts.Predictor != PredictorNone && opts.Predictor != PredictorFloat {
		return fmt.Errorf("encode: unsupported predictor %d", opts.Predictor)
	}
	rps := min(opts.RowsPerStrip, grid.Height)
	if rps <= 0 {
		rps = 1
	}
	noData := DefaultNoData
	if opts.NoData != nil {
		noData = *opts.NoData
	}

	var buf bytes.Buffer
	buf.WriteString(mark)
	_ = binary.Write(&buf, bo, uint16(42))
	_ = binary.Write(&buf, bo, uint32(0)) // IFD offset, patched below

	var offsets, counts []uint32
	for y0 := 0; y0 < grid.Height; y0 += rps {
		rows := min(rps, grid.Height-y0)
		strip, err := encodeStrip(grid, y0, rows, noData, bo, opts)
		if err != nil {
			return err
		}
		offsets = append(offsets, uint32(buf.Len()))
		counts = append(counts, uint32(len(strip)))
		buf.Write(strip)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	ifd := newIFDBuilder(bo)
	ifd.longs(tagImageWidth, uint32(grid.Width))
	ifd.longs(tagImageLength, uint32(grid.Height))
	ifd.shorts(tagBitsPerSample, 32)
	ifd.shorts(tagCompression, opts.Compression)
	ifd.shorts(tagPhotometric, 1) // BlackIsZero
	ifd.longs(tagStripOffsets, offsets...)
	ifd.shorts(tagSamplesPerPixel, 1)
	ifd.longs(tagRowsPerStrip, uint32(rps))
	ifd.longs(tagStripByteCounts, counts...)
	ifd.shorts(tagPlanarConfiguration, planarChunky)
	if opts.Predictor != PredictorNone {
		ifd.shorts(tagPredictor, opts.Predictor)
	}
	ifd.shorts(tagSampleFormat, sampleFormatFloat)
	ifd.doubles(tagModelPixelScale, grid.PixelWidth, grid.PixelHeight, 0)
	ifd.doubles(tagModelTiepoint, 0, 0, 0, grid.OriginLon, grid.OriginLat, 0)
	ifd.ascii(tagGDALNoData, strconv.FormatFloat(noData, 'g', -1, 64))

	out := buf.Bytes()
	bo.PutUint32(out[4:8], uint32(len(out)))
	out = append(out, ifd.bytes(uint32(len(out)))...)

	_, err := w.Write(out)
	return err
}

func encodeStrip(grid domain.RasterGrid, y0, rows int, noData float64, bo binary.ByteOrder, opts EncodeOptions) ([]byte, error) {
	rowBytes := grid.Width * 4
	strip := make([]byte, 0, rows*rowBytes)
	for y := y0; y < y0+rows; y++ {
		row := make([]byte, rowBytes)
		for x := range grid.Width {
			v := noData
			if s := grid.At(x, y); s.Valid() {
				v, _ = s.Value()
			}
			bits := math.Float32bits(float32(v))
			if opts.Predictor == PredictorFloat {
				binary.BigEndian.PutUint32(row[x*4:], bits)
			} else {
				bo.PutUint32(row[x*4:], bits)
			}
		}
		if opts.Predictor == PredictorFloat {
			row = applyFloat(row, 1, 4)
		}
		strip = append(strip, row...)
	}

	if opts.Compression == CompressionNone {
		return strip, nil
	}
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(strip); err != nil {
		return nil, fmt.Errorf("encode: deflate strip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("encode: deflate strip: %w", err)
	}
	return zbuf.Bytes(), nil
}

// applyFloat is the inverse of undoFloat: split big-endian samples into byte
// planes, then difference bytes right to left.
func applyFloat(row []byte, stride, size int) []byte {
	n := len(row) / size
	out := make([]byte, len(row))
	for i := range n {
		for b := range size {
			out[b*n+i] = row[i*size+b]
		}
	}
	for i := len(out) - 1; i >= stride; i-- {
		out[i] -= out[i-stride]
	}
	return out
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

type ifdBuilder struct {
	bo      binary.ByteOrder
	entries []ifdEntry
}

func newIFDBuilder(bo binary.ByteOrder) *ifdBuilder {
	return &ifdBuilder{bo: bo}
}

func (b *ifdBuilder) shorts(tag uint16, vs ...uint16) {
	data := make([]byte, 2*len(vs))
	for i, v := range vs {
		b.bo.PutUint16(data[i*2:], v)
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vs)), data: data})
}

func (b *ifdBuilder) longs(tag uint16, vs ...uint32) {
	data := make([]byte, 4*len(vs))
	for i, v := range vs {
		b.bo.PutUint32(data[i*4:], v)
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vs)), data: data})
}

func (b *ifdBuilder) doubles(tag uint16, vs ...float64) {
	data := make([]byte, 8*len(vs))
	for i, v := range vs {
		b.bo.PutUint64(data[i*8:], math.Float64bits(v))
	}
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vs)), data: data})
}

func (b *ifdBuilder) ascii(tag uint16, s string) {
	data := append([]byte(s), 0)
	b.entries = append(b.entries, ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data})
}

// bytes lays out the IFD at offset start, followed by out-of-line values.
func (b *ifdBuilder) bytes(start uint32) []byte {
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].tag < b.entries[j].tag })

	ifdLen := 2 + 12*len(b.entries) + 4
	extraOff := start + uint32(ifdLen)
	var head, extra bytes.Buffer

	_ = binary.Write(&head, b.bo, uint16(len(b.entries)))
	for _, e := range b.entries {
		var entry [12]byte
		b.bo.PutUint16(entry[0:2], e.tag)
		b.bo.PutUint16(entry[2:4], e.typ)
		b.bo.PutUint32(entry[4:8], e.count)
		if len(e.data) <= 4 {
			copy(entry[8:], e.data)
		} else {
			b.bo.PutUint32(entry[8:12], extraOff+uint32(extra.Len()))
			extra.Write(e.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
		head.Write(entry[:])
	}
	_ = binary.Write(&head, b.bo, uint32(0)) // no next IFD

	return append(head.Bytes(), extra.Bytes()...)
}
