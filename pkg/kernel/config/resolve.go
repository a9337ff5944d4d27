package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Plan is a normalized, execution-ready pipeline: stages run in order, then
// the plan fans out into Branches, each walked over its own context. A plan
// never contains pipeline names, begins with an initial stage at the top
// level, and every leaf ends with a final stage. Plans are immutable.
type Plan struct {
	stages   []string
	branches []*Plan
}

// Stages returns a copy of the sequential stages of p.
func (p *Plan) Stages() []string { return slices.Clone(p.stages) }

// Stage returns the i-th sequential stage.
func (p *Plan) Stage(i int) string { return p.stages[i] }

// Len returns the number of sequential stages.
func (p *Plan) Len() int { return len(p.stages) }

// Branches returns the sub-plans p fans out into after its stages.
func (p *Plan) Branches() []*Plan { return slices.Clone(p.branches) }

// Value returns p in the nested-array form of a pipeline definition:
// stage names followed by one array of branches when p fans out.
func (p *Plan) Value() []any {
	out := make([]any, 0, len(p.stages)+1)
	for _, s := range p.stages {
		out = append(out, s)
	}
	if len(p.branches) > 0 {
		branches := make([]any, 0, len(p.branches))
		for _, b := range p.branches {
			branches = append(branches, b.Value())
		}
		out = append(out, branches)
	}
	return out
}

// Leaves returns every stage sequence from the root of p to the end of a
// leaf branch.
func (p *Plan) Leaves() [][]string {
	if len(p.branches) == 0 {
		return [][]string{p.Stages()}
	}
	var out [][]string
	for _, b := range p.branches {
		for _, leaf := range b.Leaves() {
			out = append(out, append(p.Stages(), leaf...))
		}
	}
	return out
}

// MarshalJSON encodes the plan as its nested-array form.
func (p *Plan) MarshalJSON() ([]byte, error) { return json.Marshal(p.Value()) }

// String renders the plan compactly, e.g. `read-fs > [a | b > write-fs]`.
func (p *Plan) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(p.stages, " > "))
	if len(p.branches) > 0 {
		if len(p.stages) > 0 {
			b.WriteString(" > ")
		}
		b.WriteString("[")
		for i, br := range p.branches {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(br.String())
		}
		b.WriteString("]")
	}
	return b.String()
}

// line is the mutable working form of a sequence during normalization.
// Lines are shared by pointer where the tail of a fan-out is distributed, so
// identity matters when appending end stages.
type line struct {
	items []item
}

type item struct {
	stage string
	fork  []*line // non-nil for a fan-out
}

func (it item) isFork() bool { return it.fork != nil }

// Normalize resolves the named pipeline into its execution plan.
func (r *Registry) Normalize(name string) (*Plan, error) {
	n := &normalizer{reg: r, active: make(map[string]bool)}

	// (1) inline
	main, err := n.inlineNamed(name)
	if err != nil {
		return nil, err
	}

	// (2) ensure initial
	if len(main.items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPipeline, name)
	}
	first := main.items[0]
	needStart := first.isFork()
	if !needStart {
		st, err := r.lookup(first.stage)
		if err != nil {
			return nil, err
		}
		needStart = !st.Initial
	}
	if needStart {
		start, err := n.inlineNamed(StartPipeline)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		main.items = append(start.items, main.items...)
		if ok, err := n.startsInitial(main); err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("%w: %s does not begin with an initial stage", ErrReservedPipeline, StartPipeline)
			}
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
	}

	// (3) distribute tails
	distribute(main)

	// (4) ensure final
	if err := n.appendEnd(main, make(map[*line]bool)); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}

	return toPlan(main), nil
}

type normalizer struct {
	reg    *Registry
	active map[string]bool // pipelines being inlined
	end    *line           // memoized end-default expansion
}

func (n *normalizer) inlineNamed(name string) (*line, error) {
	def, ok := n.reg.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSuchPipeline, name)
	}
	return n.inline(name, def)
}

// inline expands pipeline references in def, recursing into fan-outs.
func (n *normalizer) inline(name string, def []pipeEntry) (*line, error) {
	if n.active[name] {
		return nil, fmt.Errorf("%w: %s", ErrPipelineCycle, name)
	}
	n.active[name] = true
	defer delete(n.active, name)

	out := &line{}
	if err := n.inlineInto(out, def); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *normalizer) inlineInto(out *line, def []pipeEntry) error {
	for _, e := range def {
		if e.branches != nil {
			fork := make([]*line, 0, len(e.branches))
			for _, b := range e.branches {
				sub := &line{}
				if err := n.inlineInto(sub, b); err != nil {
					return err
				}
				fork = append(fork, sub)
			}
			out.items = append(out.items, item{fork: fork})
			continue
		}
		if other, ok := n.reg.pipelines[e.name]; ok {
			sub, err := n.inline(e.name, other)
			if err != nil {
				return err
			}
			out.items = append(out.items, sub.items...)
			continue
		}
		if _, err := n.reg.lookup(e.name); err != nil {
			return err
		}
		out.items = append(out.items, item{stage: e.name})
	}
	return nil
}

// distribute moves everything after a fan-out onto the end of each of its
// branches, scanning from the back, then does the same inside every branch.
// Afterwards a fan-out can only be the last item of a line.
func distribute(l *line) {
	for i := len(l.items) - 1; i >= 0; i-- {
		if !l.items[i].isFork() {
			continue
		}
		rest := slices.Clone(l.items[i+1:])
		l.items = l.items[:i+1]
		for _, branch := range l.items[i].fork {
			branch.items = append(branch.items, rest...)
		}
	}
	if last, ok := lastItem(l); ok && last.isFork() {
		for _, branch := range last.fork {
			distribute(branch)
		}
	}
}

// appendEnd appends the end-default expansion to every leaf that does not
// already end with a final stage.
func (n *normalizer) appendEnd(l *line, seen map[*line]bool) error {
	if seen[l] {
		return nil
	}
	seen[l] = true

	last, ok := lastItem(l)
	if ok && last.isFork() {
		for _, branch := range last.fork {
			if err := n.appendEnd(branch, seen); err != nil {
				return err
			}
		}
		return nil
	}
	if ok {
		st, err := n.reg.lookup(last.stage)
		if err != nil {
			return err
		}
		if st.Final {
			return nil
		}
	}
	end, err := n.endLine()
	if err != nil {
		return err
	}
	l.items = append(l.items, end.items...)
	return nil
}

func (n *normalizer) endLine() (*line, error) {
	if n.end != nil {
		return n.end, nil
	}
	end, err := n.inlineNamed(EndPipeline)
	if err != nil {
		return nil, err
	}
	distribute(end)
	if ok, err := n.endsFinal(end); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: %s does not end every branch with a final stage", ErrReservedPipeline, EndPipeline)
		}
		return nil, err
	}
	n.end = end
	return end, nil
}

func (n *normalizer) startsInitial(l *line) (bool, error) {
	if len(l.items) == 0 || l.items[0].isFork() {
		return false, nil
	}
	st, err := n.reg.lookup(l.items[0].stage)
	if err != nil {
		return false, err
	}
	return st.Initial, nil
}

// endsFinal reports whether every leaf of the distributed line l ends with a
// final stage.
func (n *normalizer) endsFinal(l *line) (bool, error) {
	last, ok := lastItem(l)
	if !ok {
		return false, nil
	}
	if last.isFork() {
		for _, branch := range last.fork {
			if ok, err := n.endsFinal(branch); err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	st, err := n.reg.lookup(last.stage)
	if err != nil {
		return false, err
	}
	return st.Final, nil
}

func lastItem(l *line) (item, bool) {
	if len(l.items) == 0 {
		return item{}, false
	}
	return l.items[len(l.items)-1], true
}

func toPlan(l *line) *Plan {
	p := &Plan{stages: []string{}}
	for _, it := range l.items {
		if !it.isFork() {
			p.stages = append(p.stages, it.stage)
			continue
		}
		for _, branch := range it.fork {
			p.branches = append(p.branches, toPlan(branch))
		}
	}
	return p
}
