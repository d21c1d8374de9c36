package domain

import (
	"math"
	"time"
)

// SyntheticSource is the source label stored for synthetic measurements.
const SyntheticSource = "synthetic"

// Measurement is the unit persisted on a successful run.
type Measurement struct {
	Value      float64
	IsFallback bool
	// Synthetic marks values produced by the degraded-success policy rather
	// than read from a raster. Synthetic measurements are always IsFallback.
	Synthetic      bool
	SourceFilename string
	Pixel          PixelCoordinate
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Timestamp      time.Time
}

// FromSource stamps the measurement with its raster and extraction time.
func (m Measurement) FromSource(src RasterSource, at time.Time) Measurement {
	m.SourceFilename = src.Filename
	m.PeriodStart = src.PeriodStart
	m.PeriodEnd = src.PeriodEnd
	m.Timestamp = at.UTC()
	return m
}

// NewSyntheticMeasurement builds a clearly flagged placeholder measurement.
func NewSyntheticMeasurement(value float64, at time.Time) Measurement {
	return Measurement{
		Value:      value,
		IsFallback: true,
		Synthetic:  true,
		Pixel:      PixelCoordinate{PX: -1, PY: -1},
		Timestamp:  at.UTC(),
	}
}

// ErrorRecord describes a failed run.
type ErrorRecord struct {
	Stage          Stage
	Kind           string
	Message        string
	SourceFilename *string
	Timestamp      time.Time
}

// NewErrorRecord converts a pipeline error into a persisted error record.
func NewErrorRecord(stage Stage, err error, sourceFilename string, at time.Time) ErrorRecord {
	rec := ErrorRecord{
		Stage:     stage,
		Kind:      ErrorKind(err),
		Message:   err.Error(),
		Timestamp: at.UTC(),
	}
	if sourceFilename != "" {
		rec.SourceFilename = &sourceFilename
	}
	return rec
}

// Document is a schemaless key-value document as stored in the result store.
type Document map[string]any

// Field names of the persisted "latest" document.
const (
	FieldPrecipitationMM = "precipitation_mm"
	FieldSource          = "source"
	FieldSourceFile      = "source_file"
	FieldUpdatedAt       = "updated_at"
	FieldIsFallback      = "isFallback"
	FieldSynthetic       = "synthetic"
	FieldPeriodStart     = "period_start"
	FieldPeriodEnd       = "period_end"
	FieldWindow          = "window"
	FieldLat             = "lat"
	FieldLon             = "lon"
	FieldPixelX          = "pixel_x"
	FieldPixelY          = "pixel_y"
	FieldLastError       = "last_error"
)

// Document renders the full replacement document for a successful run.
func (m Measurement) Document(source string, target TargetPoint) Document {
	doc := Document{
		FieldPrecipitationMM: RoundMM(m.Value),
		FieldSource:          source,
		FieldSourceFile:      nil,
		FieldUpdatedAt:       m.Timestamp.UTC().Format(time.RFC3339),
		FieldIsFallback:      m.IsFallback,
		FieldSynthetic:       m.Synthetic,
		FieldLat:             target.Lat,
		FieldLon:             target.Lon,
	}
	if m.Synthetic {
		doc[FieldSource] = SyntheticSource
		doc[FieldWindow] = "mock"
		return doc
	}
	if m.SourceFilename != "" {
		doc[FieldSourceFile] = m.SourceFilename
	}
	doc[FieldPixelX] = m.Pixel.PX
	doc[FieldPixelY] = m.Pixel.PY
	if !m.PeriodStart.IsZero() && !m.PeriodEnd.IsZero() {
		src := RasterSource{PeriodStart: m.PeriodStart, PeriodEnd: m.PeriodEnd}
		doc[FieldPeriodStart] = m.PeriodStart.Format(dateLayout)
		doc[FieldPeriodEnd] = m.PeriodEnd.Format(dateLayout)
		doc[FieldWindow] = src.Window()
	}
	return doc
}

// Document renders the merge fields for a failed run. Only the last_error
// sub-document is touched so the last good measurement survives.
func (r ErrorRecord) Document() Document {
	var sourceFile any
	if r.SourceFilename != nil {
		sourceFile = *r.SourceFilename
	}
	return Document{
		FieldLastError: Document{
			"error":       r.Message,
			"kind":        r.Kind,
			"stage":       string(r.Stage),
			"at":          r.Timestamp.UTC().Format(time.RFC3339),
			"source_file": sourceFile,
		},
	}
}

// RoundMM rounds a precipitation value to two decimals.
func RoundMM(v float64) float64 {
	return math.Round(v*100) / 100
}
