// Package engine composes configuration, caching, telemetry, trace
// publishing and the run store around pipeline searches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"pipeweaver/internal/cache"
	"pipeweaver/internal/config"
	"pipeweaver/internal/dataset"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/runstore"
	"pipeweaver/internal/search"
	"pipeweaver/internal/spec"
	"pipeweaver/internal/stages"
	"pipeweaver/internal/telemetry"
	"pipeweaver/internal/trace"
)

type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *stages.Registry

	cache       cache.Cache
	metrics     *telemetry.Metrics
	metricsAddr net.Addr
	kafka       *trace.KafkaSink
	runs        *runstore.Store

	closers []func() error
}

// Compiled is a pipeline built from a definition file.
type Compiled struct {
	Spec     spec.File
	Pipeline *pipeline.Pipeline
}

// Report describes one persisted search.
type Report struct {
	RunID  string
	Run    runstore.Run
	Result *search.Result
	// TraceHash is the hash of the canonical trace of every stage and
	// candidate event of the search.
	TraceHash string
}

func (e *Engine) Cache() cache.Cache          { return e.cache }
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }
func (e *Engine) Runs() *runstore.Store       { return e.runs }
func (e *Engine) Registry() *stages.Registry  { return e.registry }

// MetricsAddr is the bound /metrics address, nil when the server is off.
func (e *Engine) MetricsAddr() net.Addr { return e.metricsAddr }

func (e *Engine) sink(extra ...trace.Sink) trace.Sink {
	sinks := append([]trace.Sink{e.metrics}, extra...)
	if e.kafka != nil {
		sinks = append(sinks, e.kafka)
	}
	return trace.Multi(sinks...)
}

// Compile loads the definition at specPath and builds its pipeline with the
// engine's cache, sinks and logger.
func (e *Engine) Compile(specPath string) (*Compiled, error) {
	return e.compile(specPath)
}

func (e *Engine) compile(specPath string, extra ...trace.Sink) (*Compiled, error) {
	f, err := spec.Load(specPath)
	if err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}
	opts := []pipeline.Option{pipeline.WithSink(e.sink(extra...)), pipeline.WithLogger(e.logger)}
	if e.cache != nil {
		opts = append(opts, pipeline.WithCache(e.cache))
	}
	p, err := f.Pipeline(e.registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Compiled{Spec: f, Pipeline: p}, nil
}

// Search runs the search declared in specPath over x and y and persists the
// run under the configured run directory.
//
// A non-nil Report is returned whenever the run was recorded, including
// when the search itself failed; err then carries the search error.
func (e *Engine) Search(ctx context.Context, specPath string, x, y dataset.Dataset) (*Report, error) {
	rec := trace.NewRecorder()
	c, err := e.compile(specPath, rec)
	if err != nil {
		return nil, err
	}
	splitter, err := c.Spec.Splitter()
	if err != nil {
		return nil, err
	}
	scorer, err := c.Spec.Scorer()
	if err != nil {
		return nil, err
	}

	hash := string(c.Pipeline.Hash())
	run := runstore.Run{
		RunID:        runstore.NewRunID(),
		PipelineHash: hash,
		StartTime:    time.Now().UTC(),
		Status:       runstore.StatusRunning,
	}
	if err := e.runs.SaveRun(run); err != nil {
		return nil, fmt.Errorf("runstore: %w", err)
	}
	logger := e.logger.With("run_id", run.RunID)

	opts := c.Spec.SearchOptions()
	opts.Sink = e.sink(rec)
	opts.Logger = logger
	res, searchErr := search.Search(ctx, c.Pipeline, x, y, c.Spec.Grid(), splitter, scorer, opts)

	run.Finish(res, searchErr, time.Now())
	report := &Report{RunID: run.RunID, Run: run, Result: res}
	if h, err := rec.Trace(hash).Hash(); err == nil {
		report.TraceHash = h
	} else {
		logger.Warn("trace hash failed", "err", err)
	}

	var errs []error
	if searchErr != nil {
		errs = append(errs, searchErr)
	}
	if err := e.runs.SaveRun(run); err != nil {
		errs = append(errs, fmt.Errorf("runstore: %w", err))
	}
	if res != nil {
		if err := e.runs.SaveRanking(run.RunID, runstore.RankingFrom(res)); err != nil {
			errs = append(errs, fmt.Errorf("runstore: %w", err))
		}
	}
	logger.Info("run recorded", "status", run.Status, "trace_hash", report.TraceHash)
	return report, errors.Join(errs...)
}

// SearchCSV loads features and the target column from a CSV file and runs
// Search on them.
func (e *Engine) SearchCSV(ctx context.Context, specPath, csvPath, target string) (*Report, error) {
	t, err := dataset.LoadCSV(csvPath, target)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, specPath, t.X, t.Y)
}

// Close flushes trace publishing and releases backends in reverse order.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
