// Package search runs cross-validated grid search over a pipeline's options.
//
// Every candidate is evaluated on every fold of a split plan; a candidate's
// score is the arithmetic mean of its fold scores. Candidates rank by score,
// highest first, and equal scores keep enumeration order. Evaluations may run
// in parallel, but results land in fixed slots and are aggregated in
// enumeration order, so concurrency never changes the ranking.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"pipeweaver/internal/dataset"
	"pipeweaver/internal/logging"
	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/split"
	"pipeweaver/internal/trace"
)

// ErrNaNScore is recorded for a fold whose scorer returned NaN.
var ErrNaNScore = errors.New("scorer returned NaN")

// Options tunes a search.
type Options struct {
	// Concurrency bounds parallel candidate×fold evaluations. Values below 1
	// run serially.
	Concurrency int

	// SkipRefit disables refitting the best candidate on all data.
	SkipRefit bool

	// Sink receives candidate-level events. Stage events go to the
	// pipeline's own sink.
	Sink trace.Sink

	Logger *slog.Logger
}

// FoldError records why one fold of a candidate failed.
type FoldError struct {
	Fold int
	Err  error
}

func (e *FoldError) Error() string { return fmt.Sprintf("fold %d: %v", e.Fold, e.Err) }
func (e *FoldError) Unwrap() error { return e.Err }

// CandidateResult is the outcome of evaluating one candidate.
type CandidateResult struct {
	Candidate

	// FoldScores holds one score per fold, in plan order. Nil when failed.
	FoldScores []float64

	// Score is the mean fold score. Meaningless when Err is set.
	Score float64

	// Rank is 1 for the best candidate and 0 for failed ones.
	Rank int

	// Err is the first failing fold's *FoldError, if any.
	Err error
}

// Failed reports whether any fold failed.
func (c CandidateResult) Failed() bool { return c.Err != nil }

// Result summarizes a search.
type Result struct {
	// Candidates holds every candidate in enumeration order.
	Candidates []CandidateResult
	// Ranked holds successful candidates, best first.
	Ranked []CandidateResult
	// Failed holds failed candidates in enumeration order.
	Failed []CandidateResult

	Best      Candidate
	BestScore float64
	Plan      split.Plan

	// Refit is a pipeline with the best params persisted, refit on all data.
	// Nil when refit is skipped or failed.
	Refit       *pipeline.Pipeline
	RefitOutput any

	Elapsed time.Duration
}

// SearchExhaustedError is returned when every candidate failed.
type SearchExhaustedError struct {
	Failures []CandidateResult
}

func (e *SearchExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "search exhausted: no candidates"
	}
	return fmt.Sprintf("search exhausted: all %d candidates failed (first: candidate %d: %v)",
		len(e.Failures), e.Failures[0].Index, e.Failures[0].Err)
}

// RefitError reports a failed refit. The search result is still returned.
type RefitError struct {
	Params pipeline.Params
	Err    error
}

func (e *RefitError) Error() string { return fmt.Sprintf("refit with best params: %v", e.Err) }
func (e *RefitError) Unwrap() error { return e.Err }

type slot struct {
	score float64
	err   error
}

// Search evaluates every grid candidate on every fold of the plan built by
// splitter over x and y, ranks the candidates and, unless opts.SkipRefit,
// refits the best one on all data.
//
// Failures of individual candidates (stage errors, scorer errors, NaN scores)
// are recorded and excluded from ranking. Anything else, such as context
// cancellation or a cache backend failure, aborts the search.
func Search(
	ctx context.Context,
	p *pipeline.Pipeline,
	x, y dataset.Dataset,
	grid Grid,
	splitter split.Splitter,
	scorer Scorer,
	opts Options,
) (*Result, error) {
	start := time.Now()
	if p == nil || splitter == nil || scorer == nil {
		return nil, errors.New("search: pipeline, splitter and scorer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}

	if err := p.ValidatePaths(grid.Paths()); err != nil {
		return nil, err
	}
	candidates, err := grid.Candidates()
	if err != nil {
		return nil, err
	}
	if err := dataset.CheckAligned(x, y); err != nil {
		return nil, err
	}
	n := x.Len()
	plan, err := splitter.Split(n)
	if err != nil {
		return nil, fmt.Errorf("search: split: %w", err)
	}
	if err := plan.Validate(n); err != nil {
		return nil, fmt.Errorf("search: split: %w", err)
	}

	folds := make([]dataset.FoldData, len(plan))
	truths := make([]dataset.Dataset, len(plan))
	for k, f := range plan {
		folds[k] = dataset.ForFold(k, f, x, y)
		truths[k] = y.Subset(f.Validation)
	}

	slots := make([][]slot, len(candidates))
	for i := range slots {
		slots[i] = make([]slot, len(plan))
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range candidates {
		for k := range plan {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				score, err := evaluate(gctx, p, candidates[i], k, folds[k], truths[k], scorer)
				var se *pipeline.StageExecutionError
				switch {
				case err == nil:
				case gctx.Err() != nil:
					return gctx.Err()
				case errors.As(err, &se), errors.Is(err, errScore):
				default:
					return err
				}
				slots[i][k] = slot{score: score, err: err}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	res := &Result{Plan: plan, Candidates: make([]CandidateResult, len(candidates))}
	for i, c := range candidates {
		cr := CandidateResult{Candidate: c}
		scores := make([]float64, len(plan))
		for k, s := range slots[i] {
			if s.err != nil {
				cr.Err = &FoldError{Fold: k, Err: s.err}
				break
			}
			scores[k] = s.score
		}
		scope := &trace.Scope{Candidate: i, Fold: trace.CandidateFold}
		if cr.Err == nil {
			cr.FoldScores = scores
			cr.Score = mean(scores)
			trace.SafeRecord(opts.Sink, trace.Event{Kind: trace.EventCandidateScored, Scope: scope, Score: cr.Score})
		} else {
			trace.SafeRecord(opts.Sink, trace.Event{Kind: trace.EventCandidateFailed, Scope: scope, Reason: failureReason(cr.Err)})
			logger.Warn("candidate failed", "candidate", i, "params", c.Params, "err", cr.Err)
		}
		res.Candidates[i] = cr
	}

	for _, cr := range res.Candidates {
		if cr.Failed() {
			res.Failed = append(res.Failed, cr)
		} else {
			res.Ranked = append(res.Ranked, cr)
		}
	}
	if len(res.Ranked) == 0 {
		return nil, &SearchExhaustedError{Failures: res.Failed}
	}
	sort.SliceStable(res.Ranked, func(a, b int) bool {
		ra, rb := res.Ranked[a], res.Ranked[b]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		return ra.Index < rb.Index
	})
	for r := range res.Ranked {
		res.Ranked[r].Rank = r + 1
		res.Candidates[res.Ranked[r].Index].Rank = r + 1
	}
	best := res.Ranked[0]
	res.Best = best.Candidate
	res.BestScore = best.Score

	logger.Info("search finished",
		"candidates", len(candidates),
		"folds", len(plan),
		"failed", len(res.Failed),
		"best", best.Index,
		"score", best.Score,
	)

	if !opts.SkipRefit {
		if err := refit(ctx, p, res, x, y); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

var errScore = errors.New("scoring failed")

func evaluate(ctx context.Context, p *pipeline.Pipeline, c Candidate, k int, fd dataset.FoldData, truth dataset.Dataset, scorer Scorer) (float64, error) {
	ctx = trace.WithScope(ctx, trace.Scope{Candidate: c.Index, Fold: k})
	run, err := p.Run(ctx, fd, c.Params)
	if err != nil {
		return 0, err
	}
	score, err := scorer(truth, run.Output)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errScore, err)
	}
	if math.IsNaN(score) {
		return 0, fmt.Errorf("%w: %w", errScore, ErrNaNScore)
	}
	return score, nil
}

func refit(ctx context.Context, p *pipeline.Pipeline, res *Result, x, y dataset.Dataset) error {
	best, err := p.WithParams(res.Best.Params)
	if err != nil {
		return &RefitError{Params: res.Best.Params, Err: err}
	}
	ctx = trace.WithScope(ctx, trace.Scope{Candidate: res.Best.Index, Fold: trace.RefitFold})
	run, err := best.Run(ctx, dataset.ForRefit(x, y), nil)
	if err != nil {
		return &RefitError{Params: res.Best.Params, Err: err}
	}
	res.Refit = best
	res.RefitOutput = run.Output
	return nil
}

func mean(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func failureReason(err error) string {
	var se *pipeline.StageExecutionError
	switch {
	case errors.As(err, &se):
		return "StageError"
	case errors.Is(err, ErrNaNScore):
		return "NaNScore"
	default:
		return "ScorerError"
	}
}
