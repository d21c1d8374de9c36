package domain

import (
	"fmt"
	"math"
	"time"
)

// RasterSource identifies a single published forecast raster.
type RasterSource struct {
	URL         string
	Filename    string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Window renders the forecast period as "YYYYMMDD → YYYYMMDD".
func (s RasterSource) Window() string {
	if s.PeriodStart.IsZero() || s.PeriodEnd.IsZero() {
		return ""
	}
	return s.PeriodStart.Format(dateLayout) + " → " + s.PeriodEnd.Format(dateLayout)
}

// Sample is a single raster cell value that may be missing.
type Sample struct {
	value   float64
	present bool
}

// Present wraps a decoded value.
func Present(v float64) Sample { return Sample{value: v, present: true} }

// Missing is a cell without data (nodata, masked, or NaN).
func Missing() Sample { return Sample{} }

// Value returns the sample value and whether one is present.
func (s Sample) Value() (float64, bool) { return s.value, s.present }

// Valid reports whether the sample is present and finite.
func (s Sample) Valid() bool {
	return s.present && !math.IsNaN(s.value) && !math.IsInf(s.value, 0)
}

func (s Sample) String() string {
	if !s.present {
		return "missing"
	}
	return fmt.Sprintf("%g", s.value)
}

// RasterGrid is a decoded single-band raster with a north-up affine transform.
// OriginLon/OriginLat are the coordinates of the north-west corner of cell (0,0).
type RasterGrid struct {
	Width       int
	Height      int
	Samples     []Sample
	OriginLon   float64
	OriginLat   float64
	PixelWidth  float64
	PixelHeight float64
}

// BoundingBox holds grid extents in degrees.
type BoundingBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// NewGridFromOrigin builds a grid from an origin and per-axis resolution.
func NewGridFromOrigin(width, height int, samples []Sample, originLon, originLat, pixelWidth, pixelHeight float64) (RasterGrid, error) {
	g := RasterGrid{
		Width:       width,
		Height:      height,
		Samples:     samples,
		OriginLon:   originLon,
		OriginLat:   originLat,
		PixelWidth:  pixelWidth,
		PixelHeight: pixelHeight,
	}
	if err := g.Validate(); err != nil {
		return RasterGrid{}, err
	}
	return g, nil
}

// NewGridFromBounds builds a grid from a bounding box; the resolution is
// derived as (east-west)/width and (north-south)/height.
func NewGridFromBounds(width, height int, samples []Sample, bbox BoundingBox) (RasterGrid, error) {
	if width <= 0 || height <= 0 {
		return RasterGrid{}, &InvalidRasterFormatError{Reason: fmt.Sprintf("non-positive dimensions %dx%d", width, height)}
	}
	return NewGridFromOrigin(width, height, samples,
		bbox.West, bbox.North,
		(bbox.East-bbox.West)/float64(width),
		(bbox.North-bbox.South)/float64(height),
	)
}

// Validate checks the grid invariants.
func (g RasterGrid) Validate() error {
	switch {
	case g.Width <= 0 || g.Height <= 0:
		return &InvalidRasterFormatError{Reason: fmt.Sprintf("non-positive dimensions %dx%d", g.Width, g.Height)}
	case len(g.Samples) != g.Width*g.Height:
		return &InvalidRasterFormatError{Reason: fmt.Sprintf("sample count %d does not match %dx%d", len(g.Samples), g.Width, g.Height)}
	case !(g.PixelWidth > 0) || !(g.PixelHeight > 0):
		return &InvalidRasterFormatError{Reason: fmt.Sprintf("non-positive resolution %gx%g", g.PixelWidth, g.PixelHeight)}
	}
	return nil
}

// Bounds returns the grid extents.
func (g RasterGrid) Bounds() BoundingBox {
	return BoundingBox{
		West:  g.OriginLon,
		North: g.OriginLat,
		East:  g.OriginLon + g.PixelWidth*float64(g.Width),
		South: g.OriginLat - g.PixelHeight*float64(g.Height),
	}
}

// At returns the sample for cell (x,y). The caller must ensure the cell is in bounds.
func (g RasterGrid) At(x, y int) Sample {
	return g.Samples[y*g.Width+x]
}

// TargetPoint is the fixed geographic location being monitored.
type TargetPoint struct {
	Lon float64
	Lat float64
}

// PixelCoordinate is a cell index within a RasterGrid.
type PixelCoordinate struct {
	PX int `json:"x"`
	PY int `json:"y"`
}

// In reports whether the coordinate lies within the grid.
func (p PixelCoordinate) In(g RasterGrid) bool {
	return p.PX >= 0 && p.PX < g.Width && p.PY >= 0 && p.PY < g.Height
}
