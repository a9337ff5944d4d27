package config

import (
	"errors"
	"fmt"
)

var (
	ErrShape            = errors.New("invalid configuration shape")
	ErrNoSuchPipeline   = errors.New("no such pipeline")
	ErrNoSuchStage      = errors.New("no such stage")
	ErrAliasCycle       = errors.New("stage alias cycle")
	ErrPipelineCycle    = errors.New("pipeline includes itself")
	ErrEmptyPipeline    = errors.New("pipeline resolves to no stages")
	ErrInvalidInclude   = errors.New("invalid include path")
	ErrReservedPipeline = errors.New("reserved pipeline is malformed")
	ErrUnresolvedAction = errors.New("stage action did not resolve to a function")
)

// SourceError attaches the configuration source an error was raised for.
type SourceError struct {
	Source string // document path, module id, or pseudo-source such as "cli:0"
	Err    error
}

func (e *SourceError) Error() string {
	if e.Source == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (in %s)", e.Err, e.Source)
}

func (e *SourceError) Unwrap() error { return e.Err }

func sourceErrorf(source string, format string, args ...any) error {
	return &SourceError{Source: source, Err: fmt.Errorf(format, args...)}
}
