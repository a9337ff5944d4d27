// Package action defines the stage-action contract and the registry that
// resolves `from` references to callables.
package action

import (
	"context"
	"errors"
	"strings"

	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
)

var (
	ErrNotCallable   = errors.New("reference did not load a function")
	ErrUnknownModule = errors.New("no action module")
)

// Func is a stage action that completes once. Returning an error aborts the
// branch the stage runs in.
type Func func(ctx context.Context, bc *build.Context, options map[string]any) error

// Continue hands the current state of an incremental stage to the engine,
// which walks the rest of the pipeline on a snapshot of bc. The snapshot is
// taken before Continue returns, so the stage may keep mutating bc.
type Continue func(bc *build.Context)

// Incremental is a stage action that yields repeatedly, calling next once per
// activation. It runs until ctx is done or its event source is exhausted and
// must release its resources on every return path.
type Incremental func(ctx context.Context, bc *build.Context, options map[string]any, next Continue) error

// Action is the callable behind a stage. Exactly one of Run and Watch is set.
type Action struct {
	Key   string
	Run   Func
	Watch Incremental
}

// Incremental reports whether the action yields repeatedly.
func (a *Action) Incremental() bool { return a.Watch != nil }

// Module is a set of exported actions keyed by export name. The empty name
// is the module's default export.
type Module map[string]Action

// Ref is a parsed action reference `<loader>[:<export>]`.
type Ref struct {
	Loader    string
	Export    string
	HasExport bool
}

// ParseRef splits ref on its first colon.
func ParseRef(ref string) Ref {
	loader, export, ok := strings.Cut(ref, ":")
	return Ref{Loader: loader, Export: export, HasExport: ok}
}

// String returns the reference in `<loader>[:<export>]` form.
func (r Ref) String() string {
	if r.HasExport {
		return r.Loader + ":" + r.Export
	}
	return r.Loader
}
