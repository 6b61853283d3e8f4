package search

import (
	"fmt"
	"sort"

	"pipeweaver/internal/pipeline"
)

// Grid maps parameter paths to the ordered values to try.
type Grid map[string][]any

// Candidate is one point of the grid.
type Candidate struct {
	// Index is the enumeration position; lower wins ties.
	Index  int
	Params pipeline.Params
}

// InvalidGridError reports paths with no values to try.
type InvalidGridError struct {
	Paths []string
}

func (e *InvalidGridError) Error() string {
	return fmt.Sprintf("grid paths with no values: %v", e.Paths)
}

// Paths returns the grid's paths, sorted.
func (g Grid) Paths() []string {
	paths := make([]string, 0, len(g))
	for p := range g {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Size is the number of candidates the grid enumerates.
func (g Grid) Size() int {
	n := 1
	for _, vs := range g {
		n *= len(vs)
	}
	return n
}

// Candidates enumerates the Cartesian product deterministically: paths are
// sorted lexicographically, the last path varies fastest, and values keep
// their declared order. An empty grid yields one empty candidate.
func (g Grid) Candidates() ([]Candidate, error) {
	paths := g.Paths()
	var empty []string
	for _, p := range paths {
		if len(g[p]) == 0 {
			empty = append(empty, p)
		}
	}
	if len(empty) > 0 {
		return nil, &InvalidGridError{Paths: empty}
	}

	total := g.Size()
	out := make([]Candidate, total)
	for i := 0; i < total; i++ {
		params := make(pipeline.Params, len(paths))
		rem := i
		for j := len(paths) - 1; j >= 0; j-- {
			vs := g[paths[j]]
			params[paths[j]] = vs[rem%len(vs)]
			rem /= len(vs)
		}
		out[i] = Candidate{Index: i, Params: params}
	}
	return out, nil
}
