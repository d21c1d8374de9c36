// Command validate checks a local forecast raster before it is published or
// used as a fixture: the filename convention, the GeoTIFF structure, the
// georeferencing around the target point, and the value that a run would
// extract.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -raster testdata/latest/data-mean_20250419_20250423.tif \
//	  -lat 20.63 -lon -88.52
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/geotiff"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

// maxPlausibleMM is the largest 5-day accumulation accepted as realistic.
const maxPlausibleMM = 2000

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	rasterPath := flag.String("raster", "", "path to a GeoTIFF raster")
	prefix := flag.String("prefix", "data-mean", "expected filename prefix")
	lat := flag.Float64("lat", 20.63, "target latitude")
	lon := flag.Float64("lon", -88.52, "target longitude")
	flag.Parse()

	if *rasterPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	target := domain.TargetPoint{Lat: *lat, Lon: *lon}
	if code := run(*rasterPath, *prefix, target); code != 0 {
		os.Exit(code)
	}
}

func run(path, prefix string, target domain.TargetPoint) int {
	fmt.Println("=== Forecast Raster Validation ===")
	fmt.Println()

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read raster: %v\n", err)
		return 1
	}

	// ── Run validation phases ──
	grid, decodePhase := validateDecode(data)
	phases := []*phase{
		validateFilename(filepath.Base(path), prefix),
		decodePhase,
	}
	if decodePhase.passed() {
		phases = append(phases,
			validateValues(grid),
			validateTarget(grid, target),
		)
	}

	// ── Report results ──
	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	if decodePhase.passed() {
		b := grid.Bounds()
		fmt.Println()
		fmt.Printf("Grid: %dx%d, pixel %gx%g, bounds W%.4f S%.4f E%.4f N%.4f\n",
			grid.Width, grid.Height, grid.PixelWidth, grid.PixelHeight, b.West, b.South, b.East, b.North)
		if m, err := domain.Locate(grid, target); err == nil {
			fmt.Printf("Target (%.4f, %.4f) -> pixel (%d,%d) = %.2f mm (fallback=%t)\n",
				target.Lat, target.Lon, m.Pixel.PX, m.Pixel.PY, domain.RoundMM(m.Value), m.IsFallback)
		}
	}

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Validation phases ──

// validateFilename checks that the name follows <prefix>_<start>_<end>.tif
// with start not after end.
func validateFilename(name, prefix string) *phase {
	p := &phase{name: "Phase 1: Filename convention"}
	pattern := domain.FilenamePattern{Prefix: prefix, Ext: "tif"}
	parsed, ok := pattern.ParseFilename(name)
	if !ok {
		p.errorf("%q does not match %s_<YYYYMMDD>_<YYYYMMDD>.tif", name, prefix)
		return p
	}
	src := parsed.Source("")
	if src.PeriodStart.IsZero() || src.PeriodEnd.IsZero() {
		p.errorf("%q carries an invalid calendar date", name)
		return p
	}
	if src.PeriodEnd.Before(src.PeriodStart) {
		p.errorf("window end %s precedes start %s", parsed.End, parsed.Start)
	}
	return p
}

// validateDecode checks the raster decodes into a georeferenced grid.
func validateDecode(data []byte) (domain.RasterGrid, *phase) {
	p := &phase{name: "Phase 2: GeoTIFF structure"}
	grid, err := geotiff.Decode(data)
	if err != nil {
		var inv *domain.InvalidRasterFormatError
		if errors.As(err, &inv) {
			p.errorf("%s", inv.Reason)
		} else {
			p.errorf("%v", err)
		}
		return domain.RasterGrid{}, p
	}
	return grid, p
}

// validateValues checks the grid holds data and that every valid sample is a
// plausible precipitation amount.
func validateValues(grid domain.RasterGrid) *phase {
	p := &phase{name: "Phase 3: Sample values"}
	valid := 0
	for i, s := range grid.Samples {
		v, ok := s.Value()
		if !ok || !s.Valid() {
			continue
		}
		valid++
		if v < 0 || v > maxPlausibleMM || math.IsInf(v, 0) {
			if len(p.errors) < 10 {
				p.errorf("pixel (%d,%d): implausible value %g", i%grid.Width, i/grid.Width, v)
			}
		}
	}
	if valid == 0 {
		p.errorf("no valid samples in %d cells", len(grid.Samples))
	}
	return p
}

// validateTarget checks the target point is covered and extractable.
func validateTarget(grid domain.RasterGrid, target domain.TargetPoint) *phase {
	p := &phase{name: "Phase 4: Target extraction"}
	if _, err := domain.Locate(grid, target); err != nil {
		p.errorf("%v", err)
	}
	return p
}
