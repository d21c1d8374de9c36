// Package domain models the CHIRPS-GEFS precipitation forecast extraction.
//
// # Data Source
//
// The Climate Hazards Center (CHC) publishes CHIRPS-GEFS forecasts as
// single-band GeoTIFF rasters under
// https://data.chc.ucsb.edu/products/EWX/data/forecasts/CHIRPS-GEFS_precip_v12/05day/precip_mean/.
// A new file is published daily and covers a five-day window.
//
// # File Naming
//
//	"<prefix>_<YYYYMMDD>_<YYYYMMDD>.<ext>"  →  e.g. "data-mean_20250419_20250423.tif"
//	The first date is the window start, the second the inclusive window end.
//	The most current file is the one with the greatest start date; ties go to
//	the greatest end date. See [SelectLatest].
//
// # Grid Conventions
//
// Rasters are north-up: the origin is the north-west corner of the grid, longitude
// grows with the column index and latitude shrinks with the row index. A point
// maps to the cell
//
//	px = floor((lon - originLon) / pixelWidth)
//	py = floor((originLat - lat) / pixelHeight)
//
// and the sample for cell (px, py) lives at Samples[py*Width+px].
//
// Missing data:
//
//	CHIRPS marks ocean and masked cells with a nodata value (-9999). Decoders
//	translate nodata and NaN into [Missing] samples. When the target cell is
//	missing, [Locate] falls back to the first valid cell among its eight
//	neighbours, scanning row-major, and flags the measurement as a fallback.
//
// # Persisted Document
//
// One document keyed "latest" holds the last measurement. Successful runs replace
// it wholesale; failed runs merge a "last_error" sub-document and leave the last
// good reading in place. Synthetic measurements (degraded-success policy) carry
// synthetic=true and a null source_file.
package domain
