// Command genraster writes a synthetic CHIRPS-GEFS style GeoTIFF fixture for
// local runs. The file is named after the forecast window starting on -date,
// so it can be served from a directory that the listing resolver scrapes.
//
// Usage:
//
//	go run ./cmd/genraster \
//	  -out-dir testdata/latest \
//	  -date 2025-04-19 \
//	  -west -89 -north 21 -res 0.05 -width 40 -height 40
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/geotiff"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out-dir", ".", "directory to write the raster into")
	date := flag.String("date", time.Now().UTC().Format(time.DateOnly), "forecast start date (YYYY-MM-DD)")
	horizon := flag.Int("horizon", 5, "forecast window length in days")
	prefix := flag.String("prefix", "data-mean", "filename prefix")
	west := flag.Float64("west", -89, "longitude of the west edge")
	north := flag.Float64("north", 21, "latitude of the north edge")
	res := flag.Float64("res", 0.05, "pixel size in degrees")
	width := flag.Int("width", 40, "grid width in pixels")
	height := flag.Int("height", 40, "grid height in pixels")
	missing := flag.Float64("missing", 0.1, "fraction of cells written as nodata")
	seed := flag.Uint64("seed", 1, "random seed for reproducible values")
	deflate := flag.Bool("deflate", true, "compress strips with deflate and the floating-point predictor")
	flag.Parse()

	start, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	if *missing < 0 || *missing > 1 {
		return fmt.Errorf("invalid -missing %g: must be within [0,1]", *missing)
	}

	grid, err := domain.NewGridFromOrigin(*width, *height,
		synthesize(*width, *height, *missing, rand.New(rand.NewPCG(*seed, *seed))),
		*west, *north, *res, *res)
	if err != nil {
		return err
	}

	opts := geotiff.EncodeOptions{RowsPerStrip: 16}
	if *deflate {
		opts.Compression = geotiff.CompressionDeflate
		opts.Predictor = geotiff.PredictorFloat
	}
	var buf bytes.Buffer
	if err := geotiff.Encode(&buf, grid, opts); err != nil {
		return fmt.Errorf("encode raster: %w", err)
	}

	pattern := domain.FilenamePattern{Prefix: *prefix, Ext: "tif"}
	src := pattern.ComputeSource("", start, *horizon)
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(*outDir, src.Filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil { //nolint:gosec // fixture output
		return err
	}

	b := grid.Bounds()
	log.Printf("wrote %s: %dx%d, bounds W%.3f S%.3f E%.3f N%.3f, %d bytes",
		path, grid.Width, grid.Height, b.West, b.South, b.East, b.North, buf.Len())
	return nil
}

// synthesize produces a smooth rain field with a storm cell near the grid
// centre, dropping a fraction of cells as nodata.
func synthesize(w, h int, missing float64, rng *rand.Rand) []domain.Sample {
	cx, cy := float64(w)/2, float64(h)/2
	sigma := math.Max(float64(min(w, h))/4, 1)

	samples := make([]domain.Sample, w*h)
	for y := range h {
		for x := range w {
			if rng.Float64() < missing {
				samples[y*w+x] = domain.Missing()
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			peak := 40 * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			v := peak + rng.Float64()*2
			samples[y*w+x] = domain.Present(domain.RoundMM(v))
		}
	}
	return samples
}
