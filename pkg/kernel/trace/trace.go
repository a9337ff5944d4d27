// Package trace implements the append-only JSONL record of a pipeline run.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType enumerates all trace event types.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventRunComplete   EventType = "run_complete"
	EventStageStart    EventType = "stage_start"
	EventStageComplete EventType = "stage_complete"
	EventFork          EventType = "fork"
	EventRewalk        EventType = "rewalk"
	EventPipelineDone  EventType = "pipeline_done"
)

// StageStatus is the execution status of a stage.
type StageStatus string

const (
	StatusSuccess  StageStatus = "success"
	StatusFailed   StageStatus = "failed"
	StatusYielding StageStatus = "yielding" // incremental stage handed a snapshot downstream
)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Writer writes trace events to an append-only JSONL stream. It is safe for
// concurrent use by parallel branches. A nil *Writer discards all events.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	runID string
	enc   *json.Encoder
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{
		w:     w,
		runID: runID,
		enc:   json.NewEncoder(w),
	}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewWriter(f, runID), nil
}

// RunID returns the run identifier stamped on every event.
func (tw *Writer) RunID() string {
	if tw == nil {
		return ""
	}
	return tw.runID
}

// Close closes the underlying stream when it is closable.
func (tw *Writer) Close() error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if c, ok := tw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		Data:      data,
	}
	return tw.enc.Encode(evt)
}

// EmitRunStart emits a run_start event.
func (tw *Writer) EmitRunStart(pipeline string, plan any, rootDir string) error {
	return tw.Emit(EventRunStart, map[string]any{
		"pipeline": pipeline,
		"plan":     plan,
		"root_dir": rootDir,
	})
}

// EmitRunComplete emits a run_complete event.
func (tw *Writer) EmitRunComplete(status string, duration time.Duration, rewalks, rewalkFailures int) error {
	data := map[string]any{
		"status":   status,
		"duration": duration.String(),
	}
	if rewalks > 0 {
		data["rewalks"] = rewalks
		data["rewalk_failures"] = rewalkFailures
	}
	return tw.Emit(EventRunComplete, data)
}

// EmitStageStart emits a stage_start event.
func (tw *Writer) EmitStageStart(stage, branch string) error {
	return tw.Emit(EventStageStart, map[string]any{
		"stage":  stage,
		"branch": branch,
	})
}

// EmitStageComplete emits a stage_complete event.
func (tw *Writer) EmitStageComplete(stage, branch string, status StageStatus, duration time.Duration, err error) error {
	data := map[string]any{
		"stage":    stage,
		"branch":   branch,
		"status":   string(status),
		"duration": duration.String(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return tw.Emit(EventStageComplete, data)
}

// EmitFork emits a fork event.
func (tw *Writer) EmitFork(branch string, count int) error {
	return tw.Emit(EventFork, map[string]any{
		"branch":       branch,
		"branch_count": count,
	})
}

// EmitRewalk emits a rewalk event for one downstream re-execution triggered
// by an incremental stage.
func (tw *Writer) EmitRewalk(stage, branch string, seq int, err error) error {
	data := map[string]any{
		"stage":  stage,
		"branch": branch,
		"seq":    seq,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return tw.Emit(EventRewalk, data)
}

// EmitPipelineDone emits a pipeline_done event for a branch that reached the
// end of its plan.
func (tw *Writer) EmitPipelineDone(branch string, done []string) error {
	return tw.Emit(EventPipelineDone, map[string]any{
		"branch": branch,
		"done":   done,
	})
}
