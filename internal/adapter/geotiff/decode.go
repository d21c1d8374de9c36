package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"golang.org/x/image/tiff/lzw"
)

// Decoder implements pipeline.Decoder for GeoTIFF payloads.
type Decoder struct{}

// NewDecoder creates a GeoTIFF decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode parses a GeoTIFF payload into a RasterGrid.
func (Decoder) Decode(data []byte) (domain.RasterGrid, error) {
	return Decode(data)
}

// Decode parses the first image of a GeoTIFF into a RasterGrid. Nodata and
// NaN samples become domain.Missing.
func Decode(data []byte) (domain.RasterGrid, error) {
	d, err := newDecoder(data)
	if err != nil {
		return domain.RasterGrid{}, err
	}
	img, err := d.image()
	if err != nil {
		return domain.RasterGrid{}, err
	}
	samples, err := d.samples(img)
	if err != nil {
		return domain.RasterGrid{}, err
	}
	return d.grid(img, samples)
}

const (
	// maxPixels bounds the decoded grid, well above a global 0.05 degree raster.
	maxPixels = 1 << 26
	// maxExpansion bounds how far LZW or deflate can inflate a chunk.
	maxExpansion = 4096
	maxBands     = 1 << 16
)

func invalid(format string, args ...any) error {
	return &domain.InvalidRasterFormatError{Reason: fmt.Sprintf(format, args...)}
}

// field is a raw IFD entry with its value bytes resolved.
type field struct {
	typ   uint16
	count uint32
	data  []byte
}

type decoder struct {
	buf    []byte
	bo     binary.ByteOrder
	fields map[uint16]field
}

func newDecoder(data []byte) (*decoder, error) {
	if len(data) < 8 {
		return nil, invalid("payload too short for TIFF header (%d bytes)", len(data))
	}

	d := &decoder{buf: data, fields: make(map[uint16]field)}
	switch string(data[:2]) {
	case "II":
		d.bo = binary.LittleEndian
	case "MM":
		d.bo = binary.BigEndian
	default:
		return nil, invalid("unknown byte order mark %q", data[:2])
	}

	switch magic := d.bo.Uint16(data[2:4]); magic {
	case 42:
	case 43:
		return nil, invalid("BigTIFF is not supported")
	default:
		return nil, invalid("bad TIFF magic %d", magic)
	}

	if err := d.readIFD(int64(d.bo.Uint32(data[4:8]))); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *decoder) readIFD(off int64) error {
	if off < 8 || off+2 > int64(len(d.buf)) {
		return invalid("IFD offset %d outside payload", off)
	}
	n := int64(d.bo.Uint16(d.buf[off : off+2]))
	if n == 0 {
		return invalid("empty IFD")
	}
	end := off + 2 + n*12
	if end > int64(len(d.buf)) {
		return invalid("IFD with %d entries overruns payload", n)
	}

	for i := range n {
		e := d.buf[off+2+i*12 : off+2+(i+1)*12]
		tag := d.bo.Uint16(e[0:2])
		typ := d.bo.Uint16(e[2:4])
		count := d.bo.Uint32(e[4:8])

		size, ok := typeSizes[typ]
		if !ok {
			// Unknown types are skipped, as libtiff does.
			continue
		}
		length := int64(size) * int64(count)
		var data []byte
		if length <= 4 {
			data = e[8 : 8+length]
		} else {
			valOff := int64(d.bo.Uint32(e[8:12]))
			if valOff+length > int64(len(d.buf)) {
				return invalid("tag %d value overruns payload", tag)
			}
			data = d.buf[valOff : valOff+length]
		}
		d.fields[tag] = field{typ: typ, count: count, data: data}
	}
	return nil
}

// uints returns an integer-valued tag, or nil when absent.
func (d *decoder) uints(tag uint16) ([]uint64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, nil
	}
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(f.data[i])
		case typeShort:
			out[i] = uint64(d.bo.Uint16(f.data[i*2:]))
		case typeLong:
			out[i] = uint64(d.bo.Uint32(f.data[i*4:]))
		default:
			return nil, invalid("tag %d has non-integer type %d", tag, f.typ)
		}
	}
	return out, nil
}

func (d *decoder) uint(tag uint16, def uint64) (uint64, error) {
	v, err := d.uints(tag)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return v[0], nil
}

// floats returns a floating point tag, or nil when absent.
func (d *decoder) floats(tag uint16) ([]float64, error) {
	f, ok := d.fields[tag]
	if !ok {
		return nil, nil
	}
	out := make([]float64, f.count)
	for i := range out {
		switch f.typ {
		case typeDouble:
			out[i] = math.Float64frombits(d.bo.Uint64(f.data[i*8:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(d.bo.Uint32(f.data[i*4:])))
		default:
			return nil, invalid("tag %d has non-float type %d", tag, f.typ)
		}
	}
	return out, nil
}

func (d *decoder) ascii(tag uint16) (string, bool) {
	f, ok := d.fields[tag]
	if !ok || f.typ != typeASCII {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(string(f.data), "\x00")), true
}

// imageInfo captures the layout of the first image.
type imageInfo struct {
	width, height   int
	spp             int // samples per pixel
	bytesPerSample  int
	format          uint16
	compression     uint16
	predictor       uint16
	planar          uint16
	tiled           bool
	chunkW, chunkH  int // tile size, or width x rows-per-strip
	offsets, counts []uint64
	noData          *float64
}

func (d *decoder) image() (imageInfo, error) {
	var img imageInfo

	width, err := d.uint(tagImageWidth, 0)
	if err != nil {
		return img, err
	}
	height, err := d.uint(tagImageLength, 0)
	if err != nil {
		return img, err
	}
	if width == 0 || height == 0 || width > math.MaxInt32 || height > math.MaxInt32 {
		return img, invalid("non-positive or oversized dimensions %dx%d", width, height)
	}
	if width*height > maxPixels {
		return img, invalid("dimensions %dx%d exceed %d pixels", width, height, maxPixels)
	}
	img.width, img.height = int(width), int(height)

	spp, err := d.uint(tagSamplesPerPixel, 1)
	if err != nil {
		return img, err
	}
	if spp == 0 || spp > maxBands {
		return img, invalid("unsupported sample band count %d", spp)
	}
	img.spp = int(spp)

	bits, err := d.uints(tagBitsPerSample)
	if err != nil {
		return img, err
	}
	if len(bits) == 0 {
		bits = []uint64{1}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return img, invalid("mixed bits per sample %v", bits)
		}
	}
	switch bits[0] {
	case 8, 16, 32, 64:
		img.bytesPerSample = int(bits[0] / 8)
	default:
		return img, invalid("unsupported bits per sample %d", bits[0])
	}

	formats, err := d.uints(tagSampleFormat)
	if err != nil {
		return img, err
	}
	img.format = sampleFormatUint
	if len(formats) > 0 {
		img.format = uint16(formats[0])
	}
	switch {
	case img.format == sampleFormatFloat && (img.bytesPerSample == 4 || img.bytesPerSample == 8):
	case img.format == sampleFormatUint || img.format == sampleFormatInt:
	default:
		return img, invalid("unsupported sample format %d with %d-bit samples", img.format, img.bytesPerSample*8)
	}

	compression, err := d.uint(tagCompression, uint64(CompressionNone))
	if err != nil {
		return img, err
	}
	img.compression = uint16(compression)
	switch img.compression {
	case CompressionNone, CompressionLZW, CompressionDeflate, CompressionDeflateAdobe:
	default:
		return img, invalid("unsupported compression %d", img.compression)
	}

	predictor, err := d.uint(tagPredictor, uint64(PredictorNone))
	if err != nil {
		return img, err
	}
	img.predictor = uint16(predictor)
	switch {
	case img.predictor == PredictorNone:
	case img.predictor == PredictorHorizontal && img.format != sampleFormatFloat:
	case img.predictor == PredictorFloat && img.format == sampleFormatFloat:
	default:
		return img, invalid("unsupported predictor %d for sample format %d", img.predictor, img.format)
	}

	planar, err := d.uint(tagPlanarConfiguration, uint64(planarChunky))
	if err != nil {
		return img, err
	}
	img.planar = uint16(planar)
	if img.planar != planarChunky && img.planar != planarPlanar {
		return img, invalid("unsupported planar configuration %d", img.planar)
	}

	if _, ok := d.fields[tagTileWidth]; ok {
		img.tiled = true
		tw, err := d.uint(tagTileWidth, 0)
		if err != nil {
			return img, err
		}
		th, err := d.uint(tagTileLength, 0)
		if err != nil {
			return img, err
		}
		if tw == 0 || th == 0 || tw > math.MaxInt32 || th > math.MaxInt32 || tw*th > maxPixels {
			return img, invalid("unsupported tile size %dx%d", tw, th)
		}
		img.chunkW, img.chunkH = int(tw), int(th)
		if img.offsets, err = d.uints(tagTileOffsets); err != nil {
			return img, err
		}
		if img.counts, err = d.uints(tagTileByteCounts); err != nil {
			return img, err
		}
	} else {
		rps, err := d.uint(tagRowsPerStrip, height)
		if err != nil {
			return img, err
		}
		if rps == 0 || rps > height {
			rps = height
		}
		img.chunkW, img.chunkH = img.width, int(rps)
		if img.offsets, err = d.uints(tagStripOffsets); err != nil {
			return img, err
		}
		if img.counts, err = d.uints(tagStripByteCounts); err != nil {
			return img, err
		}
	}

	if want := img.chunksPerBand(); len(img.offsets) < want || len(img.counts) < want {
		return img, invalid("expected %d data chunks, found %d offsets and %d byte counts", want, len(img.offsets), len(img.counts))
	}
	if err := d.checkPayload(img); err != nil {
		return img, err
	}

	if s, ok := d.ascii(tagGDALNoData); ok && s != "" {
		nd, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return img, invalid("unparseable GDAL_NODATA %q", s)
		}
		if img.format == sampleFormatFloat && img.bytesPerSample == 4 {
			nd = float64(float32(nd))
		}
		img.noData = &nd
	}

	return img, nil
}

// checkPayload rejects headers whose band 0 chunks cannot hold the pixels
// they claim, before any sample buffer is allocated.
func (d *decoder) checkPayload(img imageInfo) error {
	need := uint64(img.width) * uint64(img.height) * uint64(img.pixelStride()) * uint64(img.bytesPerSample)
	budget := need
	if img.compression != CompressionNone {
		budget = (need + maxExpansion - 1) / maxExpansion
	}
	var have uint64
	for _, n := range img.counts[:img.chunksPerBand()] {
		if have += min(n, uint64(len(d.buf))); have >= budget {
			return nil
		}
	}
	return invalid("%dx%d grid needs %d bytes, chunks hold %d", img.width, img.height, need, have)
}

func (img imageInfo) across() int { return (img.width + img.chunkW - 1) / img.chunkW }
func (img imageInfo) down() int   { return (img.height + img.chunkH - 1) / img.chunkH }

func (img imageInfo) chunksPerBand() int { return img.across() * img.down() }

// pixelStride is the number of interleaved samples per pixel within a chunk.
func (img imageInfo) pixelStride() int {
	if img.planar == planarPlanar {
		return 1
	}
	return img.spp
}

// samples decodes band 0 of every chunk into a row-major sample slice.
func (d *decoder) samples(img imageInfo) ([]domain.Sample, error) {
	out := make([]domain.Sample, img.width*img.height)
	stride := img.pixelStride()
	rowBytes := img.chunkW * stride * img.bytesPerSample

	// Band 0 occupies the first chunksPerBand chunks in planar layout and
	// every chunk in chunky layout; either way, chunk i maps to the same cell block.
	for i := range img.chunksPerBand() {
		cx := (i % img.across()) * img.chunkW
		cy := (i / img.across()) * img.chunkH

		rows := img.chunkH
		if !img.tiled && cy+rows > img.height {
			rows = img.height - cy
		}

		raw, err := d.chunk(img, i, rows*rowBytes)
		if err != nil {
			return nil, err
		}

		for r := range rows {
			y := cy + r
			if y >= img.height {
				break
			}
			row := raw[r*rowBytes : (r+1)*rowBytes]
			bo := d.bo
			switch img.predictor {
			case PredictorHorizontal:
				undoHorizontal(row, stride, img.bytesPerSample, bo)
			case PredictorFloat:
				row = undoFloat(row, stride, img.bytesPerSample)
				bo = binary.BigEndian
			}
			for c := range img.chunkW {
				x := cx + c
				if x >= img.width {
					break
				}
				off := c * stride * img.bytesPerSample
				out[y*img.width+x] = img.sample(row[off:off+img.bytesPerSample], bo)
			}
		}
	}
	return out, nil
}

// chunk returns the decompressed bytes for chunk i, at least want bytes long.
func (d *decoder) chunk(img imageInfo, i, want int) ([]byte, error) {
	off, n := img.offsets[i], img.counts[i]
	if off+n > uint64(len(d.buf)) {
		return nil, invalid("chunk %d overruns payload", i)
	}
	compressed := d.buf[off : off+n]

	var raw []byte
	var err error
	switch img.compression {
	case CompressionNone:
		raw = compressed
	case CompressionLZW:
		r := lzw.NewReader(bytes.NewReader(compressed), lzw.MSB, 8)
		raw, err = io.ReadAll(io.LimitReader(r, int64(want)))
		_ = r.Close()
	case CompressionDeflate, CompressionDeflateAdobe:
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(compressed))
		if err == nil {
			raw, err = io.ReadAll(io.LimitReader(zr, int64(want)))
			_ = zr.Close()
		}
	}
	if err != nil {
		return nil, invalid("decompress chunk %d: %v", i, err)
	}
	if len(raw) < want {
		return nil, invalid("chunk %d holds %d bytes, want %d", i, len(raw), want)
	}
	// Predictors rewrite rows in place; never mutate the caller's payload.
	if img.compression == CompressionNone && img.predictor != PredictorNone {
		raw = bytes.Clone(raw[:want])
	}
	return raw, nil
}

func (img imageInfo) sample(b []byte, bo binary.ByteOrder) domain.Sample {
	var v float64
	switch img.format {
	case sampleFormatFloat:
		if img.bytesPerSample == 4 {
			v = float64(math.Float32frombits(bo.Uint32(b)))
		} else {
			v = math.Float64frombits(bo.Uint64(b))
		}
	case sampleFormatInt:
		switch img.bytesPerSample {
		case 1:
			v = float64(int8(b[0]))
		case 2:
			v = float64(int16(bo.Uint16(b)))
		case 4:
			v = float64(int32(bo.Uint32(b)))
		case 8:
			v = float64(int64(bo.Uint64(b)))
		}
	default:
		switch img.bytesPerSample {
		case 1:
			v = float64(b[0])
		case 2:
			v = float64(bo.Uint16(b))
		case 4:
			v = float64(bo.Uint32(b))
		case 8:
			v = float64(bo.Uint64(b))
		}
	}

	if math.IsNaN(v) || (img.noData != nil && v == *img.noData) {
		return domain.Missing()
	}
	return domain.Present(v)
}

// undoHorizontal reverses TIFF predictor 2 on one row of integer samples.
func undoHorizontal(row []byte, stride, size int, bo binary.ByteOrder) {
	n := len(row) / size
	for i := stride; i < n; i++ {
		cur, prev := row[i*size:(i+1)*size], row[(i-stride)*size:(i-stride+1)*size]
		switch size {
		case 1:
			cur[0] += prev[0]
		case 2:
			bo.PutUint16(cur, bo.Uint16(cur)+bo.Uint16(prev))
		case 4:
			bo.PutUint32(cur, bo.Uint32(cur)+bo.Uint32(prev))
		case 8:
			bo.PutUint64(cur, bo.Uint64(cur)+bo.Uint64(prev))
		}
	}
}

// undoFloat reverses TIFF predictor 3: byte-wise differencing over a row whose
// sample bytes are split into planes, most significant byte first. The result
// is big-endian regardless of the file byte order.
func undoFloat(row []byte, stride, size int) []byte {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
	n := len(row) / size
	out := make([]byte, len(row))
	for i := range n {
		for b := range size {
			out[i*size+b] = row[b*n+i]
		}
	}
	return out
}

func (d *decoder) grid(img imageInfo, samples []domain.Sample) (domain.RasterGrid, error) {
	if m, err := d.floats(tagModelTransformation); err != nil {
		return domain.RasterGrid{}, err
	} else if len(m) >= 16 {
		if m[1] != 0 || m[4] != 0 {
			return domain.RasterGrid{}, invalid("rotated model transformation is not supported")
		}
		return domain.NewGridFromOrigin(img.width, img.height, samples, m[3], m[7], m[0], -m[5])
	}

	tie, err := d.floats(tagModelTiepoint)
	if err != nil {
		return domain.RasterGrid{}, err
	}
	scale, err := d.floats(tagModelPixelScale)
	if err != nil {
		return domain.RasterGrid{}, err
	}
	if len(tie) < 6 || len(scale) < 2 {
		return domain.RasterGrid{}, invalid("missing georeferencing tags")
	}

	originLon := tie[3] - tie[0]*scale[0]
	originLat := tie[4] + tie[1]*scale[1]
	return domain.NewGridFromOrigin(img.width, img.height, samples, originLon, originLat, scale[0], scale[1])
}
