package runstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pipeweaver/internal/search"
)

type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	// StatusRefitFailed means ranking succeeded but refitting the best
	// candidate did not.
	StatusRefitFailed RunStatus = "refit_failed"
	StatusFailed      RunStatus = "failed"
)

// Run is the persistent metadata of one search.
//
// best_candidate, best_score and best_params are null until a candidate has
// been ranked.
type Run struct {
	RunID         string         `json:"run_id"`
	PipelineHash  string         `json:"pipeline_hash"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time"`
	Status        RunStatus      `json:"status"`
	Candidates    int            `json:"candidates"`
	Folds         int            `json:"folds"`
	Failed        int            `json:"failed"`
	BestCandidate *int           `json:"best_candidate"`
	BestScore     *float64       `json:"best_score"`
	BestParams    map[string]any `json:"best_params"`
	Error         string         `json:"error,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.PipelineHash) == "" {
		errs = append(errs, errors.New("pipeline_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning, StatusCompleted, StatusRefitFailed, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Candidates < 0 || r.Folds < 0 || r.Failed < 0 {
		errs = append(errs, errors.New("counts must be >= 0"))
	}
	if r.Failed > r.Candidates {
		errs = append(errs, fmt.Errorf("failed (%d) exceeds candidates (%d)", r.Failed, r.Candidates))
	}
	if r.Status == StatusCompleted && r.BestCandidate == nil {
		errs = append(errs, errors.New("best_candidate is required for a completed run"))
	}
	if r.Status == StatusFailed && strings.TrimSpace(r.Error) == "" {
		errs = append(errs, errors.New("error is required for a failed run"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Finish fills the outcome fields from a search result and its error.
// res may be nil when the search failed before ranking.
func (r *Run) Finish(res *search.Result, err error, at time.Time) {
	at = at.UTC()
	r.EndTime = &at
	if res != nil {
		r.Candidates = len(res.Candidates)
		r.Folds = len(res.Plan)
		r.Failed = len(res.Failed)
		best, score := res.Best.Index, res.BestScore
		r.BestCandidate = &best
		r.BestScore = &score
		r.BestParams = map[string]any(res.Best.Params.Clone())
	}
	var refitErr *search.RefitError
	var exhausted *search.SearchExhaustedError
	switch {
	case err == nil:
		r.Status = StatusCompleted
	case res != nil && errors.As(err, &refitErr):
		r.Status = StatusRefitFailed
		r.Error = err.Error()
	default:
		if errors.As(err, &exhausted) {
			r.Candidates = len(exhausted.Failures)
			r.Failed = len(exhausted.Failures)
		}
		r.Status = StatusFailed
		r.Error = err.Error()
	}
}

// RankEntry is one successful candidate in ranking.json.
type RankEntry struct {
	Rank       int            `json:"rank"`
	Candidate  int            `json:"candidate"`
	Params     map[string]any `json:"params"`
	Score      float64        `json:"score"`
	FoldScores []float64      `json:"fold_scores"`
}

// FailureEntry is one failed candidate in ranking.json.
type FailureEntry struct {
	Candidate int            `json:"candidate"`
	Params    map[string]any `json:"params"`
	Error     string         `json:"error"`
}

// Ranking is the full candidate table of a run. Both lists are always arrays.
type Ranking struct {
	Ranked []RankEntry    `json:"ranked"`
	Failed []FailureEntry `json:"failed"`
}

// RankingFrom converts a search result. Ranked keeps rank order and Failed
// keeps enumeration order.
func RankingFrom(res *search.Result) Ranking {
	out := Ranking{Ranked: []RankEntry{}, Failed: []FailureEntry{}}
	if res == nil {
		return out
	}
	for _, c := range res.Ranked {
		out.Ranked = append(out.Ranked, RankEntry{
			Rank:       c.Rank,
			Candidate:  c.Index,
			Params:     map[string]any(c.Params.Clone()),
			Score:      c.Score,
			FoldScores: append([]float64(nil), c.FoldScores...),
		})
	}
	for _, c := range res.Failed {
		out.Failed = append(out.Failed, FailureEntry{
			Candidate: c.Index,
			Params:    map[string]any(c.Params.Clone()),
			Error:     c.Err.Error(),
		})
	}
	return out
}

func (r Ranking) Validate() error {
	var errs []error
	if r.Ranked == nil || r.Failed == nil {
		errs = append(errs, errors.New("ranked and failed must be arrays (not null)"))
	}
	for i, e := range r.Ranked {
		if e.Rank != i+1 {
			errs = append(errs, fmt.Errorf("ranked[%d].rank = %d, want %d", i, e.Rank, i+1))
		}
	}
	for i, e := range r.Failed {
		if strings.TrimSpace(e.Error) == "" {
			errs = append(errs, fmt.Errorf("failed[%d].error is required", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
