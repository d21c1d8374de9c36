package domain

import (
	"fmt"
	"math"
)

// neighbourOffsets lists the eight Chebyshev-distance-1 cells in row-major
// order, skipping the centre. The first valid cell in this order wins.
var neighbourOffsets = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// PixelFor maps a geographic point to grid indices using the north-up transform.
func PixelFor(grid RasterGrid, point TargetPoint) PixelCoordinate {
	return PixelCoordinate{
		PX: int(math.Floor((point.Lon - grid.OriginLon) / grid.PixelWidth)),
		PY: int(math.Floor((grid.OriginLat - point.Lat) / grid.PixelHeight)),
	}
}

// Locate extracts the measurement for point from grid. When the target cell is
// missing or not finite, the first valid neighbour is returned with IsFallback set.
// The returned measurement carries no source filename or timestamp; callers stamp those.
func Locate(grid RasterGrid, point TargetPoint) (Measurement, error) {
	px := PixelFor(grid, point)
	if !px.In(grid) {
		return Measurement{}, fmt.Errorf("%w: lon=%g lat=%g maps to pixel (%d,%d) outside %dx%d grid",
			ErrPointOutOfBounds, point.Lon, point.Lat, px.PX, px.PY, grid.Width, grid.Height)
	}

	if s := grid.At(px.PX, px.PY); s.Valid() {
		v, _ := s.Value()
		return Measurement{Value: v, Pixel: px}, nil
	}

	for _, off := range neighbourOffsets {
		n := PixelCoordinate{PX: px.PX + off[0], PY: px.PY + off[1]}
		if !n.In(grid) {
			continue
		}
		if s := grid.At(n.PX, n.PY); s.Valid() {
			v, _ := s.Value()
			return Measurement{Value: v, IsFallback: true, Pixel: n}, nil
		}
	}

	return Measurement{}, fmt.Errorf("%w: pixel (%d,%d) and its neighbours hold no data",
		ErrNoValidSampleFound, px.PX, px.PY)
}
