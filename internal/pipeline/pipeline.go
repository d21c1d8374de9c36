package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
	"github.com/google/uuid"
)

// Resolver picks the raster a run should read.
type Resolver interface {
	Resolve(ctx context.Context) (domain.RasterSource, error)
}

// Fetcher downloads a raster payload.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Decoder turns a raster payload into a grid.
type Decoder interface {
	Decode(data []byte) (domain.RasterGrid, error)
}

// Store is a key-value document store. Replace overwrites the whole document;
// Merge sets only the given top-level fields. Both create the document if absent.
type Store interface {
	Replace(ctx context.Context, id string, doc domain.Document) error
	Merge(ctx context.Context, id string, fields domain.Document) error
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, report domain.RunReport) error
}

// FallbackPolicy decides what a run does when a stage before persistence fails.
type FallbackPolicy string

const (
	// MockOnFailure persists a flagged synthetic measurement plus the error
	// record and reports a degraded success.
	MockOnFailure FallbackPolicy = "mockOnFailure"
	// FailClosed persists only the error record and reports failure.
	FailClosed FallbackPolicy = "failClosed"
)

// persistTimeout bounds store writes, which run detached from the run context
// so a failure can still be recorded after the run deadline expires.
const persistTimeout = 10 * time.Second

// Options configures a Pipeline.
type Options struct {
	Target domain.TargetPoint
	Policy FallbackPolicy
	// MockValue produces synthetic precipitation values. Defaults to a uniform
	// value in [0,10) with two decimals.
	MockValue func() float64
	// Publisher is optional; nil disables outcome events.
	Publisher Publisher
}

// Pipeline orchestrates the resolve-fetch-decode-locate-persist run.
type Pipeline struct {
	resolver  Resolver
	fetcher   Fetcher
	decoder   Decoder
	persister *Persister
	publisher Publisher
	target    domain.TargetPoint
	policy    FallbackPolicy
	mockValue func() float64
	logger    *slog.Logger
	metrics   *observability.Metrics

	slot  chan struct{} // one run at a time
	ready atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(r Resolver, f Fetcher, d Decoder, p *Persister, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	if opts.Policy == "" {
		opts.Policy = MockOnFailure
	}
	if opts.MockValue == nil {
		opts.MockValue = defaultMockValue
	}
	return &Pipeline{
		resolver:  r,
		fetcher:   f,
		decoder:   d,
		persister: p,
		publisher: opts.Publisher,
		target:    opts.Target,
		policy:    opts.Policy,
		mockValue: opts.MockValue,
		logger:    logger,
		metrics:   metrics,
		slot:      make(chan struct{}, 1),
	}
}

func defaultMockValue() float64 {
	return math.Floor(rand.Float64()*1000) / 100
}

// CheckReadiness returns nil once a run has succeeded, or an error describing
// why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a successful run yet")
	}
	return nil
}

// Ready reports whether a run has succeeded.
func (p *Pipeline) Ready() bool { return p.ready.Load() }

// run carries per-run state through the stages.
type run struct {
	report domain.RunReport
	source domain.RasterSource
	logger *slog.Logger
}

func (r *run) transition(to domain.Stage) {
	r.logger.Debug("stage transition", "from", r.report.Stage, "to", to)
	r.report.Stage = to
}

// Run executes one extraction. The returned error is nil when the report
// succeeded, including degraded synthetic successes; otherwise it is a
// *domain.StageError, or a join of two when recording a failure also failed.
func (p *Pipeline) Run(ctx context.Context) (domain.RunReport, error) {
	if err := p.acquire(ctx); err != nil {
		return p.abandon(err)
	}
	defer func() { <-p.slot }()

	start := time.Now()
	p.metrics.RunInProgress.Set(1)
	defer p.metrics.RunInProgress.Set(0)

	r := &run{report: domain.RunReport{
		RunID:     uuid.NewString(),
		Stage:     domain.StageIdle,
		StartedAt: domain.Now(),
	}}
	r.logger = p.logger.With("run_id", r.report.RunID)
	r.logger.Info("run started", "lat", p.target.Lat, "lon", p.target.Lon, "policy", p.policy)

	var err error
	m, stage, extractErr := p.extract(ctx, r)
	if extractErr == nil {
		err = p.succeed(ctx, r, m)
	} else {
		err = p.fallback(ctx, r, stage, extractErr)
	}

	r.report.FinishedAt = domain.Now()
	p.metrics.RunsTotal.WithLabelValues(string(r.report.Outcome)).Inc()
	p.metrics.RunDuration.Observe(time.Since(start).Seconds())
	if r.report.Succeeded() {
		p.ready.Store(true)
	}

	r.logger.Info("run finished",
		"outcome", r.report.Outcome,
		"stage", r.report.Stage,
		"source_file", r.report.SourceFile,
		"duration", time.Since(start),
	)
	p.publish(ctx, r)
	return r.report, err
}

// acquire takes the run slot. A run that finds the slot free starts even when
// ctx has already ended, so its failure is still recorded. A run queued behind
// another gives up if ctx ends before the slot frees.
func (p *Pipeline) acquire(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
		return nil
	default:
	}
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		<-p.slot
		return err
	}
	return nil
}

// abandon reports a queued run that never started. Nothing is persisted or
// published.
func (p *Pipeline) abandon(cause error) (domain.RunReport, error) {
	err := fmt.Errorf("%w: %w", domain.ErrRunAbandoned, cause)
	now := domain.Now()
	report := domain.RunReport{
		RunID:      uuid.NewString(),
		Outcome:    domain.OutcomeFailed,
		Stage:      domain.StageIdle,
		Error:      err.Error(),
		ErrorKind:  domain.ErrorKind(err),
		StartedAt:  now,
		FinishedAt: now,
	}
	p.metrics.RunsTotal.WithLabelValues(string(report.Outcome)).Inc()
	p.logger.Warn("run abandoned while waiting for the in-flight run", "run_id", report.RunID, "error", cause)
	return report, err
}

// extract runs the stages up to and including locate. On failure it returns
// the stage that failed.
func (p *Pipeline) extract(ctx context.Context, r *run) (domain.Measurement, domain.Stage, error) {
	r.transition(domain.StageResolving)
	src, err := p.resolver.Resolve(ctx)
	if err != nil {
		return domain.Measurement{}, domain.StageResolving, err
	}
	r.source = src
	r.report.SourceFile = src.Filename
	r.report.Window = src.Window()
	r.logger.Info("source resolved", "source_file", src.Filename, "url", src.URL, "window", r.report.Window)

	r.transition(domain.StageFetching)
	data, err := p.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return domain.Measurement{}, domain.StageFetching, err
	}
	if len(data) == 0 {
		return domain.Measurement{}, domain.StageFetching, fmt.Errorf("%s: %w", src.URL, domain.ErrEmptyPayload)
	}

	r.transition(domain.StageDecoding)
	grid, err := p.decoder.Decode(data)
	if err != nil {
		return domain.Measurement{}, domain.StageDecoding, err
	}
	r.logger.Debug("raster decoded", "width", grid.Width, "height", grid.Height,
		"origin_lon", grid.OriginLon, "origin_lat", grid.OriginLat)

	r.transition(domain.StageLocating)
	m, err := domain.Locate(grid, p.target)
	if err != nil {
		return domain.Measurement{}, domain.StageLocating, err
	}
	return m.FromSource(src, domain.Now()), "", nil
}

func (p *Pipeline) succeed(ctx context.Context, r *run, m domain.Measurement) error {
	r.transition(domain.StagePersisting)
	if err := p.persist(ctx, func(ctx context.Context) error { return p.persister.PersistSuccess(ctx, m) }); err != nil {
		return p.hardFail(r, &domain.StageError{Stage: domain.StagePersisting, Err: err})
	}

	r.transition(domain.StageDone)
	r.report.Outcome = domain.OutcomeSuccess
	p.describe(r, m)
	p.metrics.LastPrecipitation.Set(domain.RoundMM(m.Value))
	p.metrics.LastSuccess.Set(float64(m.Timestamp.Unix()))
	r.logger.Info("measurement persisted",
		"precipitation_mm", domain.RoundMM(m.Value),
		"is_fallback", m.IsFallback,
		"pixel_x", m.Pixel.PX,
		"pixel_y", m.Pixel.PY,
	)
	return nil
}

// fallback records a stage failure and applies the fallback policy.
func (p *Pipeline) fallback(ctx context.Context, r *run, stage domain.Stage, cause error) error {
	stageErr := &domain.StageError{Stage: stage, Err: cause}
	kind := domain.ErrorKind(cause)
	p.metrics.StageFailures.WithLabelValues(string(stage), kind).Inc()
	r.logger.Warn("stage failed", "stage", stage, "kind", kind, "error", cause, "source_file", r.source.Filename)

	r.report.FailedStage = stage
	r.report.Error = stageErr.Error()
	r.report.ErrorKind = kind
	record := domain.NewErrorRecord(stage, cause, r.source.Filename, domain.Now())

	r.transition(domain.StagePersisting)
	if p.policy == MockOnFailure {
		m := domain.NewSyntheticMeasurement(p.mockValue(), domain.Now())
		if err := p.persist(ctx, func(ctx context.Context) error { return p.persister.PersistSuccess(ctx, m) }); err != nil {
			return p.hardFail(r, errors.Join(stageErr, &domain.StageError{Stage: domain.StagePersisting, Err: err}))
		}
		if err := p.persist(ctx, func(ctx context.Context) error { return p.persister.PersistFailure(ctx, record) }); err != nil {
			return p.hardFail(r, errors.Join(stageErr, &domain.StageError{Stage: domain.StagePersisting, Err: err}))
		}

		r.transition(domain.StageDone)
		r.report.Outcome = domain.OutcomeSynthetic
		p.describe(r, m)
		r.logger.Warn("synthetic measurement persisted", "precipitation_mm", domain.RoundMM(m.Value), "cause", kind)
		return nil
	}

	if err := p.persist(ctx, func(ctx context.Context) error { return p.persister.PersistFailure(ctx, record) }); err != nil {
		return p.hardFail(r, errors.Join(stageErr, &domain.StageError{Stage: domain.StagePersisting, Err: err}))
	}
	r.transition(domain.StageFailed)
	r.report.Outcome = domain.OutcomeFailed
	return stageErr
}

func (p *Pipeline) hardFail(r *run, err error) error {
	p.metrics.StageFailures.WithLabelValues(string(domain.StagePersisting), domain.ErrorKind(err)).Inc()
	r.logger.Error("persistence failed", "error", err)
	r.transition(domain.StageFailed)
	r.report.Outcome = domain.OutcomeFailed
	r.report.Error = err.Error()
	r.report.ErrorKind = domain.ErrorKind(err)
	if r.report.FailedStage == "" {
		r.report.FailedStage = domain.StagePersisting
	}
	return err
}

func (p *Pipeline) describe(r *run, m domain.Measurement) {
	v := domain.RoundMM(m.Value)
	r.report.PrecipitationMM = &v
	r.report.IsFallback = m.IsFallback
	r.report.Synthetic = m.Synthetic
	if !m.Synthetic {
		px := m.Pixel
		r.report.Pixel = &px
	}
}

func (p *Pipeline) persist(ctx context.Context, write func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return write(ctx)
}

// publish sends the report when a publisher is configured. Publishing never
// changes the run outcome.
func (p *Pipeline) publish(ctx context.Context, r *run) {
	if p.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := p.publisher.Publish(ctx, r.report); err != nil {
		p.metrics.EventsPublished.WithLabelValues("error").Inc()
		r.logger.Warn("publish run outcome failed", "error", err)
		return
	}
	p.metrics.EventsPublished.WithLabelValues("success").Inc()
}
