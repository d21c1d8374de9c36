package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/adapter/memstore"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
	"github.com/couchcryptid/precip-forecast-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type stubResolver struct {
	src domain.RasterSource
	err error
}

func (m *stubResolver) Resolve(_ context.Context) (domain.RasterSource, error) {
	return m.src, m.err
}

type stubFetcher struct {
	data []byte
	err  error
}

func (m *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DownloadFailedError{URL: url, Err: err}
	}
	return m.data, m.err
}

type stubDecoder struct {
	grid domain.RasterGrid
	err  error
}

func (m *stubDecoder) Decode(_ []byte) (domain.RasterGrid, error) {
	return m.grid, m.err
}

// flakyStore wraps a memstore and fails the selected operations.
type flakyStore struct {
	*memstore.Store
	replaceErr error
	mergeErr   error
}

func (s *flakyStore) Replace(ctx context.Context, id string, doc domain.Document) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	return s.Store.Replace(ctx, id, doc)
}

func (s *flakyStore) Merge(ctx context.Context, id string, fields domain.Document) error {
	if s.mergeErr != nil {
		return s.mergeErr
	}
	return s.Store.Merge(ctx, id, fields)
}

type recordingPublisher struct {
	mu      sync.Mutex
	reports []domain.RunReport
	err     error
}

func (m *recordingPublisher) Publish(_ context.Context, report domain.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return m.err
}

// --- fixtures ---

const docID = "latest"

var (
	testTarget = domain.TargetPoint{Lon: 0.5, Lat: -0.5}
	testNow    = time.Date(2025, time.April, 19, 6, 30, 0, 0, time.UTC)
	testSource = domain.RasterSource{
		URL:         "https://chc.example/latest/data-mean_20250419_20250423.tif",
		Filename:    "data-mean_20250419_20250423.tif",
		PeriodStart: time.Date(2025, time.April, 19, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, time.April, 23, 0, 0, 0, 0, time.UTC),
	}
)

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(testNow))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func grid2x2(t *testing.T, samples ...domain.Sample) domain.RasterGrid {
	t.Helper()
	g, err := domain.NewGridFromOrigin(2, 2, samples, 0, 0, 1, 1)
	require.NoError(t, err)
	return g
}

type harness struct {
	resolver  *stubResolver
	fetcher   *stubFetcher
	decoder   *stubDecoder
	store     *flakyStore
	publisher *recordingPublisher
	metrics   *observability.Metrics
	pipeline  *pipeline.Pipeline
}

func newHarness(t *testing.T, policy pipeline.FallbackPolicy, grid domain.RasterGrid) *harness {
	t.Helper()
	freezeClock(t)
	h := &harness{
		resolver:  &stubResolver{src: testSource},
		fetcher:   &stubFetcher{data: []byte("II*\x00")},
		decoder:   &stubDecoder{grid: grid},
		store:     &flakyStore{Store: memstore.New()},
		publisher: &recordingPublisher{},
		metrics:   observability.NewMetricsForTesting(),
	}
	persister := pipeline.NewPersister(h.store, docID, "CHIRPS-GEFS", testTarget, discardLogger())
	h.pipeline = pipeline.New(h.resolver, h.fetcher, h.decoder, persister, discardLogger(), h.metrics, pipeline.Options{
		Target:    testTarget,
		Policy:    policy,
		MockValue: func() float64 { return 4.2 },
		Publisher: h.publisher,
	})
	return h
}

func (h *harness) doc(t *testing.T) domain.Document {
	t.Helper()
	doc, ok := h.store.Get(context.Background(), docID)
	require.True(t, ok, "document %q not found", docID)
	return doc
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Present(12.3456), domain.Missing(), domain.Missing(), domain.Missing()))

	assert.False(t, h.pipeline.Ready())
	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, report.Outcome)
	assert.Equal(t, domain.StageDone, report.Stage)
	assert.NotEmpty(t, report.RunID)
	require.NotNil(t, report.PrecipitationMM)
	assert.Equal(t, 12.35, *report.PrecipitationMM)
	assert.False(t, report.IsFallback)
	assert.Equal(t, "20250419 → 20250423", report.Window)
	assert.True(t, h.pipeline.Ready())
	require.NoError(t, h.pipeline.CheckReadiness(context.Background()))

	want := domain.Document{
		"precipitation_mm": 12.35,
		"source":           "CHIRPS-GEFS",
		"source_file":      "data-mean_20250419_20250423.tif",
		"updated_at":       "2025-04-19T06:30:00Z",
		"isFallback":       false,
		"synthetic":        false,
		"period_start":     "20250419",
		"period_end":       "20250423",
		"window":           "20250419 → 20250423",
		"lat":              -0.5,
		"lon":              0.5,
		"pixel_x":          0,
		"pixel_y":          0,
	}
	if diff := cmp.Diff(want, h.doc(t)); diff != "" {
		t.Fatalf("document mismatch (-want +got):\n%s", diff)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 12.35, testutil.ToFloat64(h.metrics.LastPrecipitation), 1e-9)
	assert.InDelta(t, float64(testNow.Unix()), testutil.ToFloat64(h.metrics.LastSuccess), 0)
}

func TestPipeline_Run_NeighbourFallback(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Missing(), domain.Present(3.0), domain.Missing(), domain.Missing()))

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSuccess, report.Outcome)
	assert.True(t, report.IsFallback)
	assert.Equal(t, &domain.PixelCoordinate{PX: 1, PY: 0}, report.Pixel)

	doc := h.doc(t)
	assert.Equal(t, 3.0, doc["precipitation_mm"])
	assert.Equal(t, true, doc["isFallback"])
	assert.Equal(t, 1, doc["pixel_x"])
}

func TestPipeline_Run_FailClosedStageFailures(t *testing.T) {
	allMissing := []domain.Sample{domain.Missing(), domain.Missing(), domain.Missing(), domain.Missing()}

	tests := []struct {
		name     string
		setup    func(h *harness)
		stage    domain.Stage
		kind     string
		target   error
		fileless bool
	}{
		{
			name:     "no source",
			setup:    func(h *harness) { h.resolver.err = domain.ErrNoSourceAvailable },
			stage:    domain.StageResolving,
			kind:     "no_source_available",
			target:   domain.ErrNoSourceAvailable,
			fileless: true,
		},
		{
			name: "download failed",
			setup: func(h *harness) {
				h.fetcher.err = &domain.DownloadFailedError{URL: testSource.URL, Status: 404}
			},
			stage: domain.StageFetching,
			kind:  "download_failed",
		},
		{
			name:   "empty payload",
			setup:  func(h *harness) { h.fetcher.data = nil },
			stage:  domain.StageFetching,
			kind:   "empty_payload",
			target: domain.ErrEmptyPayload,
		},
		{
			name: "invalid raster",
			setup: func(h *harness) {
				h.decoder.err = &domain.InvalidRasterFormatError{Reason: "bad TIFF magic 0"}
			},
			stage: domain.StageDecoding,
			kind:  "invalid_raster_format",
		},
		{
			name: "point out of bounds",
			setup: func(h *harness) {
				g, err := domain.NewGridFromOrigin(2, 2, allMissing, 10, 10, 1, 1)
				require.NoError(t, err)
				h.decoder.grid = g
			},
			stage:  domain.StageLocating,
			kind:   "point_out_of_bounds",
			target: domain.ErrPointOutOfBounds,
		},
		{
			name: "no valid sample",
			setup: func(h *harness) {
				h.decoder.grid = grid2x2(t, allMissing...)
			},
			stage:  domain.StageLocating,
			kind:   "no_valid_sample_found",
			target: domain.ErrNoValidSampleFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, pipeline.FailClosed, grid2x2(t,
				domain.Present(1), domain.Present(2), domain.Present(3), domain.Present(4)))
			tt.setup(h)

			report, err := h.pipeline.Run(context.Background())
			require.Error(t, err)

			var stageErr *domain.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)
			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}
			assert.Equal(t, tt.kind, domain.ErrorKind(err))

			assert.Equal(t, domain.OutcomeFailed, report.Outcome)
			assert.Equal(t, domain.StageFailed, report.Stage)
			assert.Equal(t, tt.stage, report.FailedStage)
			assert.Equal(t, tt.kind, report.ErrorKind)
			assert.False(t, report.Succeeded())
			assert.False(t, h.pipeline.Ready())

			doc := h.doc(t)
			assert.NotContains(t, doc, "precipitation_mm")
			lastErr, ok := doc["last_error"].(domain.Document)
			require.True(t, ok)
			assert.Equal(t, string(tt.stage), lastErr["stage"])
			assert.Equal(t, tt.kind, lastErr["kind"])
			assert.Equal(t, "2025-04-19T06:30:00Z", lastErr["at"])
			if tt.fileless {
				assert.Nil(t, lastErr["source_file"])
			} else {
				assert.Equal(t, testSource.Filename, lastErr["source_file"])
			}

			assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("failed")), 0)
			assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.StageFailures.WithLabelValues(string(tt.stage), tt.kind)), 0)
		})
	}
}

func TestPipeline_Run_FailurePreservesLastMeasurement(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Present(7.5), domain.Missing(), domain.Missing(), domain.Missing()))

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	before := h.doc(t)

	h.fetcher.err = &domain.DownloadFailedError{URL: testSource.URL, Status: 503}
	_, err = h.pipeline.Run(context.Background())
	require.Error(t, err)

	after := h.doc(t)
	for k, v := range before {
		assert.Equal(t, v, after[k], "field %s changed", k)
	}
	require.Contains(t, after, "last_error")
	assert.Contains(t, after["last_error"].(domain.Document)["error"], "status 503")
	// The service stays ready after a later failure.
	assert.True(t, h.pipeline.Ready())
}

func TestPipeline_Run_MockOnFailure(t *testing.T) {
	h := newHarness(t, pipeline.MockOnFailure, domain.RasterGrid{})
	h.fetcher.err = &domain.DownloadFailedError{URL: testSource.URL, Status: 404}

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeSynthetic, report.Outcome)
	assert.Equal(t, domain.StageDone, report.Stage)
	assert.Equal(t, domain.StageFetching, report.FailedStage)
	assert.Equal(t, "download_failed", report.ErrorKind)
	assert.True(t, report.Synthetic)
	assert.True(t, report.IsFallback)
	assert.Nil(t, report.Pixel)
	require.NotNil(t, report.PrecipitationMM)
	assert.Equal(t, 4.2, *report.PrecipitationMM)
	assert.True(t, report.Succeeded())
	assert.True(t, h.pipeline.Ready())

	doc := h.doc(t)
	assert.Equal(t, 4.2, doc["precipitation_mm"])
	assert.Equal(t, "synthetic", doc["source"])
	assert.Nil(t, doc["source_file"])
	assert.Equal(t, true, doc["isFallback"])
	assert.Equal(t, true, doc["synthetic"])
	lastErr := doc["last_error"].(domain.Document)
	assert.Equal(t, "fetching", lastErr["stage"])
	assert.Equal(t, testSource.Filename, lastErr["source_file"])

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("synthetic")), 0)
	assert.Zero(t, testutil.ToFloat64(h.metrics.LastSuccess))
}

func TestPipeline_Run_MockOnFailureDoesNotMaskPersistence(t *testing.T) {
	h := newHarness(t, pipeline.MockOnFailure, domain.RasterGrid{})
	h.resolver.err = domain.ErrNoSourceAvailable
	h.store.replaceErr = errors.New("connection refused")

	report, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)
	require.ErrorIs(t, err, domain.ErrNoSourceAvailable)
	assert.Equal(t, "persistence_failed", domain.ErrorKind(err))
	assert.Equal(t, domain.OutcomeFailed, report.Outcome)
	assert.False(t, h.pipeline.Ready())
}

func TestPipeline_Run_PersistenceFailureIsHard(t *testing.T) {
	h := newHarness(t, pipeline.MockOnFailure, grid2x2(t,
		domain.Present(1), domain.Missing(), domain.Missing(), domain.Missing()))
	h.store.replaceErr = errors.New("write concern timeout")

	report, err := h.pipeline.Run(context.Background())
	require.Error(t, err)

	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, domain.StagePersisting, stageErr.Stage)
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)
	assert.Equal(t, domain.OutcomeFailed, report.Outcome)
	assert.Equal(t, domain.StagePersisting, report.FailedStage)
	assert.Equal(t, "persistence_failed", report.ErrorKind)
}

func TestPipeline_Run_FailClosedMergeFailure(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, domain.RasterGrid{})
	h.decoder.err = &domain.InvalidRasterFormatError{Reason: "truncated"}
	h.store.mergeErr = errors.New("store offline")

	report, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)

	var inv *domain.InvalidRasterFormatError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, domain.StageDecoding, report.FailedStage)
	assert.Equal(t, "persistence_failed", report.ErrorKind)
	assert.Zero(t, h.store.Len())
}

func TestPipeline_Run_ExpiredContextStillRecordsFailure(t *testing.T) {
	h := newHarness(t, pipeline.MockOnFailure, domain.RasterGrid{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSynthetic, report.Outcome)
	assert.Equal(t, "download_failed", report.ErrorKind)

	doc := h.doc(t)
	assert.Equal(t, "synthetic", doc["source"])
	assert.Contains(t, doc, "last_error")
}

func TestPipeline_Run_PublishesOutcome(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Present(2), domain.Missing(), domain.Missing(), domain.Missing()))

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.publisher.reports, 1)
	assert.Equal(t, report, h.publisher.reports[0])
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues("success")), 0)
}

func TestPipeline_Run_PublishErrorIsNonFatal(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Present(2), domain.Missing(), domain.Missing(), domain.Missing()))
	h.publisher.err = errors.New("broker down")

	report, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, report.Outcome)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues("error")), 0)
}

func TestPipeline_Run_Deterministic(t *testing.T) {
	h := newHarness(t, pipeline.FailClosed, grid2x2(t,
		domain.Missing(), domain.Missing(), domain.Present(6.5), domain.Present(1)))

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	first := h.doc(t)

	_, err = h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, h.doc(t))
}

// blockingFetcher records how many fetches overlap.
type blockingFetcher struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *blockingFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return []byte{1}, nil
}

func TestPipeline_Run_Serialized(t *testing.T) {
	freezeClock(t)
	fetcher := &blockingFetcher{}
	store := memstore.New()
	persister := pipeline.NewPersister(store, docID, "CHIRPS-GEFS", testTarget, discardLogger())
	p := pipeline.New(&stubResolver{src: testSource}, fetcher,
		&stubDecoder{grid: grid2x2(t, domain.Present(1), domain.Present(2), domain.Present(3), domain.Present(4))},
		persister, discardLogger(), observability.NewMetricsForTesting(), pipeline.Options{Target: testTarget})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.maxSeen.Load())
}

func TestPipeline_DefaultMockValueInRange(t *testing.T) {
	freezeClock(t)
	store := memstore.New()
	persister := pipeline.NewPersister(store, docID, "CHIRPS-GEFS", testTarget, discardLogger())
	p := pipeline.New(&stubResolver{err: domain.ErrNoSourceAvailable}, &stubFetcher{}, &stubDecoder{},
		persister, discardLogger(), observability.NewMetricsForTesting(), pipeline.Options{Target: testTarget})

	for range 20 {
		report, err := p.Run(context.Background())
		require.NoError(t, err)
		require.NotNil(t, report.PrecipitationMM)
		v := *report.PrecipitationMM
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 10.0)
		assert.Equal(t, domain.RoundMM(v), v)
	}
}

// gatedFetcher holds each fetch until release is closed.
type gatedFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.entered <- struct{}{}
	<-f.release
	return []byte{1}, nil
}

func TestPipeline_Run_QueuedRunAbandonedAfterDeadline(t *testing.T) {
	freezeClock(t)
	fetcher := &gatedFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	store := memstore.New()
	persister := pipeline.NewPersister(store, docID, "CHIRPS-GEFS", testTarget, discardLogger())
	metrics := observability.NewMetricsForTesting()
	publisher := &recordingPublisher{}
	p := pipeline.New(&stubResolver{src: testSource}, fetcher,
		&stubDecoder{grid: grid2x2(t, domain.Present(1), domain.Present(2), domain.Present(3), domain.Present(4))},
		persister, discardLogger(), metrics, pipeline.Options{Target: testTarget, Publisher: publisher})

	first := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		first <- err
	}()
	<-fetcher.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := p.Run(ctx)
	require.ErrorIs(t, err, domain.ErrRunAbandoned)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.OutcomeFailed, report.Outcome)
	assert.Equal(t, "run_abandoned", report.ErrorKind)

	close(fetcher.release)
	require.NoError(t, <-first)

	doc, ok := store.Get(context.Background(), docID)
	require.True(t, ok)
	assert.Equal(t, "CHIRPS-GEFS", doc["source"])
	assert.NotContains(t, doc, "last_error")
	assert.Len(t, publisher.reports, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("failed")), 0)
}
