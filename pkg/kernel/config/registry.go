package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Registry holds the merged stage and pipeline definitions of a project.
// It is built once during loading and read concurrently during a run.
type Registry struct {
	Root string // project root directory, set by Load

	actions   ActionResolver
	stages    map[string]stageEntry
	pipelines map[string][]pipeEntry
	modules   map[string]Module
}

// stageEntry is either an alias to another stage name or a concrete stage.
type stageEntry struct {
	alias string
	stage *Stage
}

// pipeEntry is one element of a stored pipeline: a stage or pipeline name,
// or, when branches is non-nil, a fan-out into parallel sub-sequences.
type pipeEntry struct {
	name     string
	branches [][]pipeEntry
}

// NewRegistry creates an empty registry. Stage `from` references are resolved
// through actions; with a nil resolver they are stored verbatim.
func NewRegistry(actions ActionResolver) *Registry {
	return &Registry{
		actions:   actions,
		stages:    make(map[string]stageEntry),
		pipelines: make(map[string][]pipeEntry),
		modules:   make(map[string]Module),
	}
}

// ---------------------------------------------------------------------------
// Pipelines
// ---------------------------------------------------------------------------

// AddPipelines validates and stores every pipeline of the map, replacing
// earlier definitions of the same name.
func (r *Registry) AddPipelines(source string, pipelines map[string]any) error {
	for _, name := range sortedKeys(pipelines) {
		line, ok := parseLine(pipelines[name])
		if !ok {
			return sourceErrorf(source, "%w: pipeline %q entries must be strings or non-empty arrays of arrays of strings", ErrShape, name)
		}
		r.pipelines[name] = line
	}
	return nil
}

// parseLine converts a raw pipeline value into its private stored form.
func parseLine(v any) ([]pipeEntry, bool) {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		return nil, false
	}

	line := make([]pipeEntry, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			line = append(line, pipeEntry{name: it})
		case []any:
			if len(it) == 0 {
				return nil, false
			}
			branches := make([][]pipeEntry, 0, len(it))
			for _, b := range it {
				sub, ok := parseLine(b)
				if !ok {
					return nil, false
				}
				branches = append(branches, sub)
			}
			line = append(line, pipeEntry{branches: branches})
		default:
			return nil, false
		}
	}
	return line, true
}

// HasPipeline reports whether a pipeline is registered under name.
func (r *Registry) HasPipeline(name string) bool {
	_, ok := r.pipelines[name]
	return ok
}

// Pipeline returns a copy of the stored definition of name.
func (r *Registry) Pipeline(name string) ([]any, bool) {
	line, ok := r.pipelines[name]
	if !ok {
		return nil, false
	}
	return lineValue(line), true
}

func lineValue(line []pipeEntry) []any {
	out := make([]any, 0, len(line))
	for _, e := range line {
		if e.branches == nil {
			out = append(out, e.name)
			continue
		}
		branches := make([]any, 0, len(e.branches))
		for _, b := range e.branches {
			branches = append(branches, lineValue(b))
		}
		out = append(out, branches)
	}
	return out
}

// PipelineNames returns the registered pipeline names in sorted order.
func (r *Registry) PipelineNames() []string {
	return slices.Sorted(maps.Keys(r.pipelines))
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

var stageKeys = map[string]bool{"from": true, "options": true, "initial": true, "final": true}

// AddStages merges every stage of the map into the registry. A string value
// registers the name as an alias of the referenced stage. An object value is
// merged onto the stage the name currently resolves to, which is the alias
// target when the name is an alias of an existing stage, or a new stage seeded
// with the name otherwise.
func (r *Registry) AddStages(origin Origin, stages map[string]any) error {
	for _, name := range sortedKeys(stages) {
		switch val := stages[name].(type) {
		case string:
			r.stages[name] = stageEntry{alias: val}

		case map[string]any:
			if err := r.mergeStage(origin, name, val); err != nil {
				return err
			}

		default:
			return sourceErrorf(origin.Source, "%w: stage %s is not an object or alias", ErrShape, name)
		}
	}
	return nil
}

func (r *Registry) mergeStage(origin Origin, name string, def map[string]any) error {
	for _, key := range sortedKeys(def) {
		if !stageKeys[key] {
			return sourceErrorf(origin.Source, "%w: stage %s has unknown field %q", ErrShape, name, key)
		}
	}

	var from string
	if raw, ok := def["from"]; ok {
		s, ok := raw.(string)
		if !ok {
			return sourceErrorf(origin.Source, "%w: stage %s.from must be a string", ErrShape, name)
		}
		from = s
		if r.actions != nil {
			key, err := r.actions.Resolve(origin.Module, s)
			if err != nil {
				return sourceErrorf(origin.Source, "%w: stages.%s.from = %q: %w", ErrUnresolvedAction, name, s, err)
			}
			from = key
		}
	}

	var options map[string]any
	if raw, ok := def["options"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return sourceErrorf(origin.Source, "%w: stage %s.options must be an object", ErrShape, name)
		}
		options = m
	}

	flags := make(map[string]bool, 2)
	for _, key := range []string{"initial", "final"} {
		if raw, ok := def[key]; ok {
			b, ok := raw.(bool)
			if !ok {
				return sourceErrorf(origin.Source, "%w: stage %s.%s must be a boolean", ErrShape, name, key)
			}
			flags[key] = b
		}
	}

	st, err := r.mergeTarget(name)
	if err != nil {
		return &SourceError{Source: origin.Source, Err: err}
	}
	if _, ok := def["from"]; ok {
		st.From = from
	}
	MergeInto(st.Options, options)
	if b, ok := flags["initial"]; ok {
		st.Initial = b
	}
	if b, ok := flags["final"]; ok {
		st.Final = b
	}
	return nil
}

// mergeTarget returns the live stage later definitions of name extend.
func (r *Registry) mergeTarget(name string) (*Stage, error) {
	if _, ok := r.stages[name]; ok {
		st, err := r.lookup(name)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrNoSuchStage) {
			return nil, err
		}
	}
	st := &Stage{Name: name, Options: make(map[string]any)}
	r.stages[name] = stageEntry{stage: st}
	return st, nil
}

// lookup follows alias links from name to the concrete stage.
func (r *Registry) lookup(name string) (*Stage, error) {
	var chain []string
	seen := make(map[string]bool)
	for n := name; ; {
		e, ok := r.stages[n]
		if !ok {
			if len(chain) > 0 {
				return nil, fmt.Errorf("%w %s (via alias %s)", ErrNoSuchStage, n, strings.Join(chain, " -> "))
			}
			return nil, fmt.Errorf("%w %s", ErrNoSuchStage, n)
		}
		if e.stage != nil {
			return e.stage, nil
		}
		if seen[n] {
			return nil, fmt.Errorf("%w: %s -> %s", ErrAliasCycle, strings.Join(chain, " -> "), n)
		}
		seen[n] = true
		chain = append(chain, n)
		n = e.alias
	}
}

// Stage returns a copy of the definition name resolves to.
func (r *Registry) Stage(name string) (*Stage, error) {
	st, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	out := *st
	out.Options = CloneMap(st.Options)
	return &out, nil
}

// HasStage reports whether name resolves to a concrete stage.
func (r *Registry) HasStage(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// SetStage assigns a concrete definition to st.Name. An alias previously
// registered under the name is replaced.
func (r *Registry) SetStage(st Stage) {
	st.Options = CloneMap(st.Options)
	if st.Options == nil {
		st.Options = make(map[string]any)
	}
	r.stages[st.Name] = stageEntry{stage: &st}
}

// Alias returns the alias target registered under name, if name is an alias.
func (r *Registry) Alias(name string) (string, bool) {
	e, ok := r.stages[name]
	if !ok || e.stage != nil {
		return "", false
	}
	return e.alias, true
}

// StageNames returns all registered stage and alias names in sorted order.
func (r *Registry) StageNames() []string {
	return slices.Sorted(maps.Keys(r.stages))
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

// MergeInto deep-merges src onto dst in place. Nested objects are merged,
// every other value replaces the destination value with a copy.
func MergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				MergeInto(dv, sv)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
}

// CloneMap deep-copies a decoded configuration object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
