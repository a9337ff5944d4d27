package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/kernel/trace"
)

// harness wires a YAML configuration to in-process actions registered under
// the "test" module. Stages reference them as `from: test:<name>`.
type harness struct {
	reg     *config.Registry
	actions *action.Registry
}

func newHarness(t *testing.T, doc string, module action.Module) *harness {
	t.Helper()
	frag, err := config.DecodeFragment(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	actions := action.NewRegistry()
	actions.Register("test", module)
	reg := config.NewRegistry(actions)
	if err := reg.IncludeFragment(frag, "test.yaml"); err != nil {
		t.Fatal(err)
	}
	return &harness{reg: reg, actions: actions}
}

func (h *harness) run(t *testing.T, pipeline string, cfg RunConfig) *RunResult {
	t.Helper()
	plan, err := h.reg.Normalize(pipeline)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Actions = h.actions
	bc := build.New(h.reg, plan, t.TempDir())
	return New(h.reg, cfg).Run(context.Background(), pipeline, bc)
}

func ok(context.Context, *build.Context, map[string]any) error { return nil }

func setMeta(key string, value any) action.Func {
	return func(_ context.Context, bc *build.Context, _ map[string]any) error {
		bc.Meta[key] = value
		return nil
	}
}

func sortLeaves(done [][]string) [][]string {
	out := append([][]string(nil), done...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && strings.Join(out[j], "|") < strings.Join(out[j-1], "|"); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

const linearConfig = `
pipelines:
  start-default: [init]
  end-default: [end]
  default: [mid]
stages:
  init: { from: "test:init", initial: true }
  mid:  { from: "test:mid", options: { value: 42 } }
  end:  { from: "test:end", final: true }
`

func TestEngine_Linear(t *testing.T) {
	var gotOptions map[string]any
	var order []string
	record := func(name string) action.Func {
		return func(_ context.Context, bc *build.Context, opts map[string]any) error {
			if bc.Stages.Current != name {
				t.Errorf("current = %q, want %q", bc.Stages.Current, name)
			}
			order = append(order, name)
			if name == "mid" {
				gotOptions = opts
			}
			return nil
		}
	}
	h := newHarness(t, linearConfig, action.Module{
		"init": {Run: record("init")},
		"mid":  {Run: record("mid")},
		"end":  {Run: record("end")},
	})

	var traceBuf bytes.Buffer
	result := h.run(t, "default", RunConfig{Trace: trace.NewWriter(&traceBuf, "test-run")})
	if result.Status != "completed" {
		t.Fatalf("status = %q, want completed (%v)", result.Status, result.Error)
	}
	if diff := cmp.Diff([]string{"init", "mid", "end"}, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"init", "mid", "end"}}, result.Done); diff != "" {
		t.Errorf("done (-want +got):\n%s", diff)
	}
	if gotOptions["value"] != 42 {
		t.Errorf("options = %v", gotOptions)
	}

	traceStr := traceBuf.String()
	for _, evt := range []string{"run_start", "stage_start", "stage_complete", "pipeline_done", "run_complete"} {
		if !strings.Contains(traceStr, evt) {
			t.Errorf("trace missing %s", evt)
		}
	}
}

const forkConfig = `
pipelines:
  start-default: [init]
  end-default: [check]
  fork: [init, [[set-a], [set-b]]]
  failing: [init, [[boom, after], [set-b]]]
stages:
  init:  { from: "test:init", initial: true }
  set-a: { from: "test:set-a" }
  set-b: { from: "test:set-b" }
  boom:  { from: "test:boom" }
  after: { from: "test:after" }
  check: { from: "test:check", final: true }
`

func TestEngine_BranchIsolation(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{} // branch value -> files seen
	put := func(key, file string) action.Func {
		return func(_ context.Context, bc *build.Context, _ map[string]any) error {
			time.Sleep(5 * time.Millisecond)
			bc.Meta["k"] = key
			bc.Meta["shared"].(map[string]any)[key] = true
			_, err := files.Put(bc.FileRoot, file, []byte(key))
			return err
		}
	}
	h := newHarness(t, forkConfig, action.Module{
		"init": {Run: func(_ context.Context, bc *build.Context, _ map[string]any) error {
			bc.FileRoot = files.NewRoot()
			bc.Meta["shared"] = map[string]any{}
			return nil
		}},
		"set-a": {Run: put("a", "a.txt")},
		"set-b": {Run: put("b", "b.txt")},
		"boom":  {Run: ok},
		"after": {Run: ok},
		"check": {Run: func(_ context.Context, bc *build.Context, _ map[string]any) error {
			time.Sleep(5 * time.Millisecond)
			k := bc.Meta["k"].(string)
			shared := bc.Meta["shared"].(map[string]any)
			mu.Lock()
			defer mu.Unlock()
			seen[k] = strings.Join(files.List(bc.FileRoot), ",")
			if len(shared) != 1 {
				t.Errorf("branch %s sees shared = %v", k, shared)
			}
			return nil
		}},
	})

	result := h.run(t, "fork", RunConfig{})
	if result.Status != "completed" {
		t.Fatalf("status = %q (%v)", result.Status, result.Error)
	}
	if diff := cmp.Diff(map[string]string{"a": "a.txt", "b": "b.txt"}, seen); diff != "" {
		t.Errorf("files seen per branch (-want +got):\n%s", diff)
	}
	want := [][]string{{"init", "set-a", "check"}, {"init", "set-b", "check"}}
	if diff := cmp.Diff(want, sortLeaves(result.Done)); diff != "" {
		t.Errorf("done (-want +got):\n%s", diff)
	}
}

func TestEngine_FailureAbortsOnlyItsBranch(t *testing.T) {
	var afterRan bool
	h := newHarness(t, forkConfig, action.Module{
		"init":  {Run: setMeta("shared", map[string]any{})},
		"set-a": {Run: ok},
		"set-b": {Run: setMeta("k", "b")},
		"boom": {Run: func(context.Context, *build.Context, map[string]any) error {
			return errors.New("kaboom")
		}},
		"after": {Run: func(context.Context, *build.Context, map[string]any) error {
			afterRan = true
			return nil
		}},
		"check": {Run: ok},
	})

	result := h.run(t, "failing", RunConfig{})
	if result.Status != "failed" {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	var se *StageError
	if !errors.As(result.Error, &se) {
		t.Fatalf("err = %v, want *StageError", result.Error)
	}
	if se.Stage != "boom" || se.Branch != "0" {
		t.Errorf("stage error = %+v", se)
	}
	if se.Error() != "stage boom (branch 0): kaboom" {
		t.Errorf("message = %q", se.Error())
	}
	if afterRan {
		t.Error("stage after the failure ran")
	}
	if diff := cmp.Diff([][]string{{"init", "set-b", "check"}}, result.Done); diff != "" {
		t.Errorf("sibling branch (-want +got):\n%s", diff)
	}
}

func TestEngine_MissingAction(t *testing.T) {
	h := newHarness(t, `
pipelines:
  start-default: [init]
  end-default: [end]
  default: [init, end]
stages:
  init: { from: "test:init", initial: true }
  end: { final: true }
`, action.Module{"init": {Run: ok}})
	result := h.run(t, "default", RunConfig{})
	var se *StageError
	if !errors.As(result.Error, &se) || se.Stage != "end" || se.Branch != "" {
		t.Errorf("err = %v, want stage error for end", result.Error)
	}
}

func TestRunStage_MissingContinuation(t *testing.T) {
	watch := &action.Action{Watch: func(context.Context, *build.Context, map[string]any, action.Continue) error {
		t.Error("incremental action must not start without a continuation")
		return nil
	}}
	bc := build.New(nil, nil, "")
	err := RunStage(context.Background(), watch, "watch", bc, nil, nil)
	if !errors.Is(err, ErrMissingContinuation) {
		t.Errorf("err = %v, want ErrMissingContinuation", err)
	}
}

const watchConfig = `
pipelines:
  start-default: [init]
  end-default: [end]
  dev: [init, watch]
stages:
  init:  { from: "test:init", initial: true }
  watch: { from: "test:watch" }
  end:   { from: "test:end", final: true }
`

func TestEngine_IncrementalCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var downstream []int
	h := newHarness(t, watchConfig, action.Module{
		"init": {Run: ok},
		"watch": {Watch: func(_ context.Context, bc *build.Context, _ map[string]any, next action.Continue) error {
			for i := 1; i <= 10; i++ {
				bc.Meta["n"] = i
				next(bc)
			}
			return nil
		}},
		"end": {Run: func(_ context.Context, bc *build.Context, _ map[string]any) error {
			mu.Lock()
			defer mu.Unlock()
			downstream = append(downstream, bc.Meta["n"].(int))
			return nil
		}},
	})

	result := h.run(t, "dev", RunConfig{Debounce: 200 * time.Millisecond})
	if result.Status != "completed" {
		t.Fatalf("status = %q (%v)", result.Status, result.Error)
	}
	if result.Rewalks != 1 {
		t.Errorf("rewalks = %d, want 1", result.Rewalks)
	}
	if diff := cmp.Diff([]int{10}, downstream); diff != "" {
		t.Errorf("downstream runs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"init", "watch", "end"}}, result.Done); diff != "" {
		t.Errorf("done (-want +got):\n%s", diff)
	}
}

func TestEngine_IncrementalSnapshots(t *testing.T) {
	ran := make(chan int, 4)
	h := newHarness(t, watchConfig, action.Module{
		"init": {Run: ok},
		"watch": {Watch: func(ctx context.Context, bc *build.Context, _ map[string]any, next action.Continue) error {
			for i := 1; i <= 2; i++ {
				bc.Meta["n"] = i
				next(bc)
				// Mutations after the yield must not reach the snapshot.
				bc.Meta["n"] = -1
				select {
				case <-ran:
				case <-time.After(5 * time.Second):
					t.Error("downstream did not run")
				}
			}
			return nil
		}},
		"end": {Run: func(_ context.Context, bc *build.Context, _ map[string]any) error {
			n := bc.Meta["n"].(int)
			if bc.Stages.Done[len(bc.Stages.Done)-1] != "watch" {
				t.Errorf("snapshot done = %v", bc.Stages.Done)
			}
			ran <- n
			if n == 2 {
				return errors.New("second walk fails")
			}
			return nil
		}},
	})

	result := h.run(t, "dev", RunConfig{Debounce: 10 * time.Millisecond})
	if result.Status != "completed" {
		t.Fatalf("status = %q (%v)", result.Status, result.Error)
	}
	if result.Rewalks != 2 || result.RewalkFailures != 1 {
		t.Errorf("rewalks = %d failures = %d, want 2 and 1", result.Rewalks, result.RewalkFailures)
	}
	if len(result.Done) != 1 {
		t.Errorf("done = %v, want one completed walk", result.Done)
	}
}

func TestEngine_IncrementalStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	released := make(chan struct{})
	h := newHarness(t, watchConfig, action.Module{
		"init": {Run: ok},
		"watch": {Watch: func(ctx context.Context, bc *build.Context, _ map[string]any, next action.Continue) error {
			defer close(released)
			close(started)
			<-ctx.Done()
			return nil
		}},
		"end": {Run: ok},
	})

	plan, err := h.reg.Normalize("dev")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *RunResult)
	go func() {
		done <- New(h.reg, RunConfig{Actions: h.actions}).Run(ctx, "dev", build.New(h.reg, plan, t.TempDir()))
	}()
	<-started
	cancel()

	select {
	case result := <-done:
		if result.Rewalks != 0 {
			t.Errorf("rewalks = %d, want 0", result.Rewalks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	select {
	case <-released:
	default:
		t.Error("watch stage did not release")
	}
}

func TestDebounce(t *testing.T) {
	in := make(chan int, 3)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	var got []int
	debounce(context.Background(), in, time.Hour, func(v int) { got = append(got, v) })
	if diff := cmp.Diff([]int{3}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
