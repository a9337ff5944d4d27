// Package engine walks a normalized pipeline plan over a build context,
// forking the context at fan-outs and re-walking downstream stages each time
// an incremental stage yields.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/kernel/trace"
)

// DefaultDebounce is the quiet period after an incremental stage's last yield
// before the rest of the pipeline is re-walked.
const DefaultDebounce = time.Second

var ErrMissingContinuation = errors.New("incremental stage requires a continuation")

// StageError reports a stage action failure and where in the plan it happened.
type StageError struct {
	Stage  string
	Branch string // dot-separated fork indices, empty for the top level
	Err    error
}

func (e *StageError) Error() string {
	if e.Branch == "" {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s (branch %s): %v", e.Stage, e.Branch, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Actions looks up stage actions by their resolved key.
type Actions interface {
	Get(key string) (*action.Action, error)
}

// RunConfig configures a pipeline execution.
type RunConfig struct {
	RunID    string
	Actions  Actions
	Debounce time.Duration // zero uses DefaultDebounce
	Trace    *trace.Writer
}

// RunResult is the outcome of a pipeline execution.
type RunResult struct {
	Status         string     // "completed" or "failed"
	Done           [][]string // completed stage history of every branch that reached the end
	Rewalks        int        // downstream walks triggered by incremental stages
	RewalkFailures int
	Duration       time.Duration
	Error          error // first stage failure of the initial walk
}

// Engine executes normalized plans.
type Engine struct {
	cfg RunConfig
	reg *config.Registry

	mu             sync.Mutex
	done           [][]string
	rewalks        int
	rewalkFailures int
}

// New creates an engine resolving stages through reg.
func New(reg *config.Registry, cfg RunConfig) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Engine{cfg: cfg, reg: reg}
}

// Run walks bc.Pipeline over bc. It returns once every branch has finished,
// including the downstream re-walks of incremental stages.
func (e *Engine) Run(ctx context.Context, pipeline string, bc *build.Context) *RunResult {
	start := time.Now()
	e.cfg.Trace.EmitRunStart(pipeline, bc.Pipeline.Value(), bc.RootDir)

	err := e.walk(ctx, bc.Pipeline, 0, bc, "")

	e.mu.Lock()
	result := &RunResult{
		Status:         "completed",
		Done:           e.done,
		Rewalks:        e.rewalks,
		RewalkFailures: e.rewalkFailures,
		Duration:       time.Since(start),
		Error:          err,
	}
	e.mu.Unlock()
	if err != nil {
		result.Status = "failed"
	}
	e.cfg.Trace.EmitRunComplete(result.Status, result.Duration, result.Rewalks, result.RewalkFailures)
	return result
}

// walk runs the plan from stage index i on bc.
func (e *Engine) walk(ctx context.Context, p *config.Plan, i int, bc *build.Context, branch string) error {
	if i < p.Len() {
		return e.runStage(ctx, p, i, bc, branch)
	}

	branches := p.Branches()
	if len(branches) == 0 {
		e.finish(ctx, bc, branch)
		return nil
	}

	ctxlog.FromContext(ctx).Debug("fork", "branch", branch, "branches", len(branches))
	e.cfg.Trace.EmitFork(branch, len(branches))

	// Each branch gets its own copy; bc itself is not used past this point.
	var g errgroup.Group
	for j, sub := range branches {
		fork := bc.Clone()
		path := branchPath(branch, j)
		g.Go(func() error {
			return e.walk(ctx, sub, 0, fork, path)
		})
	}
	return g.Wait()
}

func (e *Engine) finish(ctx context.Context, bc *build.Context, branch string) {
	done := append([]string(nil), bc.Stages.Done...)
	ctxlog.FromContext(ctx).Info("pipeline done", "branch", branch, "done", strings.Join(done, "|"))
	e.cfg.Trace.EmitPipelineDone(branch, done)

	e.mu.Lock()
	e.done = append(e.done, done)
	e.mu.Unlock()
}

func (e *Engine) runStage(ctx context.Context, p *config.Plan, i int, bc *build.Context, branch string) error {
	name := p.Stage(i)
	log := ctxlog.FromContext(ctx).With("stage", name, "branch", branch)

	st, err := e.reg.Stage(name)
	if err != nil {
		return &StageError{Stage: name, Branch: branch, Err: err}
	}
	if st.From == "" {
		return &StageError{Stage: name, Branch: branch, Err: errors.New("stage has no action")}
	}
	act, err := e.cfg.Actions.Get(st.From)
	if err != nil {
		return &StageError{Stage: name, Branch: branch, Err: err}
	}

	log.Debug("stage start")
	e.cfg.Trace.EmitStageStart(name, branch)
	started := time.Now()

	if act.Incremental() {
		return e.runIncremental(ctx, act, st, p, i, bc, branch)
	}

	if err := RunStage(ctx, act, name, bc, st.Options, nil); err != nil {
		e.cfg.Trace.EmitStageComplete(name, branch, trace.StatusFailed, time.Since(started), err)
		return &StageError{Stage: name, Branch: branch, Err: err}
	}
	log.Debug("stage done", "duration", time.Since(started))
	e.cfg.Trace.EmitStageComplete(name, branch, trace.StatusSuccess, time.Since(started), nil)
	return e.walk(ctx, p, i+1, bc, branch)
}

// RunStage invokes act as stage name on bc. A one-shot action is recorded as
// done on bc when it returns. An incremental action requires next, which
// receives a completed snapshot of bc on every yield.
func RunStage(ctx context.Context, act *action.Action, name string, bc *build.Context, options map[string]any, next func(*build.Context)) error {
	bc.Stages.Current = name
	if !act.Incremental() {
		if err := act.Run(ctx, bc, options); err != nil {
			return err
		}
		bc.Complete(name)
		return nil
	}
	if next == nil {
		return fmt.Errorf("%w: %s", ErrMissingContinuation, name)
	}
	return act.Watch(ctx, bc, options, func(cur *build.Context) {
		snap := cur.Clone()
		snap.Complete(name)
		next(snap)
	})
}

func branchPath(parent string, i int) string {
	if parent == "" {
		return fmt.Sprint(i)
	}
	return fmt.Sprintf("%s.%d", parent, i)
}
