package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/kernel/trace"
)

// latest is a one-slot mailbox: a put replaces any snapshot not yet taken.
type latest struct {
	mu     sync.Mutex
	ch     chan *build.Context
	closed bool
}

func newLatest() *latest {
	return &latest{ch: make(chan *build.Context, 1)}
}

func (l *latest) put(bc *build.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- bc
}

func (l *latest) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// runIncremental runs an incremental stage. Its yields are debounced and
// each settled snapshot walks the rest of the plan. Walks never overlap;
// yields arriving during a walk collapse into one follow-up walk.
func (e *Engine) runIncremental(ctx context.Context, act *action.Action, st *config.Stage, p *config.Plan, i int, bc *build.Context, branch string) error {
	name := p.Stage(i)
	log := ctxlog.FromContext(ctx).With("stage", name, "branch", branch)
	started := time.Now()

	box := newLatest()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		seq := 0
		debounce(ctx, box.ch, e.cfg.Debounce, func(snap *build.Context) {
			seq++
			err := e.walk(ctx, p, i+1, snap, branch)
			e.mu.Lock()
			e.rewalks++
			if err != nil {
				e.rewalkFailures++
			}
			e.mu.Unlock()
			if err != nil {
				log.Error("rewalk failed", "seq", seq, "error", err)
			}
			e.cfg.Trace.EmitRewalk(name, branch, seq, err)
		})
	}()

	err := RunStage(ctx, act, name, bc, st.Options, func(snap *build.Context) {
		e.cfg.Trace.EmitStageComplete(name, branch, trace.StatusYielding, time.Since(started), nil)
		box.put(snap)
	})
	box.close()
	<-loopDone

	if err != nil {
		e.cfg.Trace.EmitStageComplete(name, branch, trace.StatusFailed, time.Since(started), err)
		return &StageError{Stage: name, Branch: branch, Err: err}
	}
	log.Debug("stage done", "duration", time.Since(started))
	e.cfg.Trace.EmitStageComplete(name, branch, trace.StatusSuccess, time.Since(started), nil)
	return nil
}

// debounce calls fn with the latest value received from in once window has
// passed without a newer one. A pending value is flushed when in is closed
// and dropped when ctx is done. fn runs on the calling goroutine.
func debounce[T any](ctx context.Context, in <-chan T, window time.Duration, fn func(T)) {
	var (
		pending T
		has     bool
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case v, ok := <-in:
			if !ok {
				if has {
					fn(pending)
				}
				return
			}
			pending, has = v, true
			if timer == nil {
				timer = time.NewTimer(window)
			} else {
				timer.Reset(window)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			v := pending
			var zero T
			pending, has = zero, false
			fn(v)

		case <-ctx.Done():
			return
		}
	}
}
