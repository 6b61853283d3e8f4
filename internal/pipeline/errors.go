package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPipeline = errors.New("invalid pipeline")
	ErrEmptyPipeline   = errors.New("pipeline has no stages")
)

// BuildError wraps deterministic construction failures.
type BuildError struct {
	Kind error
	Msg  string
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *BuildError) Unwrap() error { return e.Kind }

// DuplicateStageNameError reports two stages sharing a name.
type DuplicateStageNameError struct {
	Name   string
	First  int
	Second int
}

func (e *DuplicateStageNameError) Error() string {
	return fmt.Sprintf("duplicate stage name %q at positions %d and %d", e.Name, e.First, e.Second)
}

func (e *DuplicateStageNameError) Unwrap() error { return ErrInvalidPipeline }

// InvalidStageError reports a stage that cannot take part in a pipeline.
type InvalidStageError struct {
	Index  int
	Name   string
	Reason string
}

func (e *InvalidStageError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("stage %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("stage %d (%q): %s", e.Index, e.Name, e.Reason)
}

func (e *InvalidStageError) Unwrap() error { return ErrInvalidPipeline }

// UnknownParameterError lists every parameter path that failed to resolve,
// sorted.
type UnknownParameterError struct {
	Paths []string
}

func (e *UnknownParameterError) Error() string {
	return "unknown parameter paths: " + strings.Join(e.Paths, ", ")
}

// InvalidParameterValueError reports a value that cannot be fingerprinted.
type InvalidParameterValueError struct {
	Path  string
	Cause error
}

func (e *InvalidParameterValueError) Error() string {
	return fmt.Sprintf("parameter %s: %v", e.Path, e.Cause)
}

func (e *InvalidParameterValueError) Unwrap() error { return e.Cause }

// StageExecutionError wraps the failure of a stage's Apply.
type StageExecutionError struct {
	Stage string
	Index int
	Cause error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %d (%q) failed: %v", e.Index, e.Stage, e.Cause)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }

// PanicError carries a value recovered from a panicking stage.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
