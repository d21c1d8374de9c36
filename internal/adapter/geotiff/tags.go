// Package geotiff decodes single-band GeoTIFF rasters into domain grids and
// encodes grids back into GeoTIFF for fixtures.
//
// Only classic TIFF (magic 42) is supported. Both strip and tile layouts are
// read; compression may be none, LZW or Deflate, with predictor 1, 2 or 3.
// Only the first band is decoded.
package geotiff

// TIFF tag identifiers.
const (
	tagImageWidth          uint16 = 256
	tagImageLength         uint16 = 257
	tagBitsPerSample       uint16 = 258
	tagCompression         uint16 = 259
	tagPhotometric         uint16 = 262
	tagStripOffsets        uint16 = 273
	tagSamplesPerPixel     uint16 = 277
	tagRowsPerStrip        uint16 = 278
	tagStripByteCounts     uint16 = 279
	tagPlanarConfiguration uint16 = 284
	tagPredictor           uint16 = 317
	tagTileWidth           uint16 = 322
	tagTileLength          uint16 = 323
	tagTileOffsets         uint16 = 324
	tagTileByteCounts      uint16 = 325
	tagSampleFormat        uint16 = 339

	// GeoTIFF and GDAL extensions.
	tagModelPixelScale     uint16 = 33550
	tagModelTiepoint       uint16 = 33922
	tagModelTransformation uint16 = 34264
	tagGDALNoData          uint16 = 42113
)

// TIFF field types.
const (
	typeByte      uint16 = 1
	typeASCII     uint16 = 2
	typeShort     uint16 = 3
	typeLong      uint16 = 4
	typeRational  uint16 = 5
	typeSByte     uint16 = 6
	typeUndefined uint16 = 7
	typeSShort    uint16 = 8
	typeSLong     uint16 = 9
	typeSRational uint16 = 10
	typeFloat     uint16 = 11
	typeDouble    uint16 = 12
)

var typeSizes = map[uint16]int{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
}

// Compression schemes.
const (
	CompressionNone         uint16 = 1
	CompressionLZW          uint16 = 5
	CompressionDeflate      uint16 = 8
	CompressionDeflateAdobe uint16 = 32946
)

// Predictors.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
	PredictorFloat      uint16 = 3
)

// Sample formats.
const (
	sampleFormatUint  uint16 = 1
	sampleFormatInt   uint16 = 2
	sampleFormatFloat uint16 = 3
)

const (
	planarChunky uint16 = 1
	planarPlanar uint16 = 2
)
