package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSourceAvailable means no raster could be resolved for this run.
	ErrNoSourceAvailable = errors.New("no source available")

	// ErrEmptyPayload means the raster download returned zero bytes.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrPointOutOfBounds means the target point falls outside the raster grid.
	ErrPointOutOfBounds = errors.New("point out of bounds")

	// ErrNoValidSampleFound means neither the target cell nor its neighbours hold data.
	ErrNoValidSampleFound = errors.New("no valid sample found")

	// ErrPersistenceFailed means the document store rejected a write.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrRunAbandoned means a queued run's context ended before it could start.
	ErrRunAbandoned = errors.New("run abandoned")
)

// DownloadFailedError reports a failed raster download. Status is zero when
// no HTTP response was received (transport error or deadline expiry).
type DownloadFailedError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download failed: %s: status %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("download failed: %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download failed: %s", e.URL)
}

func (e *DownloadFailedError) Unwrap() error { return e.Err }

// InvalidRasterFormatError reports bytes that cannot be decoded into a RasterGrid.
type InvalidRasterFormatError struct {
	Reason string
}

func (e *InvalidRasterFormatError) Error() string {
	return "invalid raster format: " + e.Reason
}

// Stage names a step of the extraction pipeline.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageResolving  Stage = "resolving"
	StageFetching   Stage = "fetching"
	StageDecoding   Stage = "decoding"
	StageLocating   Stage = "locating"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// StageError attaches the failing stage to an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorKind maps an error to its taxonomy name, used for logs and metrics labels.
func ErrorKind(err error) string {
	var dl *DownloadFailedError
	var inv *InvalidRasterFormatError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPersistenceFailed):
		return "persistence_failed"
	case errors.Is(err, ErrRunAbandoned):
		return "run_abandoned"
	case errors.Is(err, ErrNoSourceAvailable):
		return "no_source_available"
	case errors.As(err, &dl):
		return "download_failed"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.As(err, &inv):
		return "invalid_raster_format"
	case errors.Is(err, ErrPointOutOfBounds):
		return "point_out_of_bounds"
	case errors.Is(err, ErrNoValidSampleFound):
		return "no_valid_sample_found"
	default:
		return "unknown"
	}
}
