// Package diagram renders resolved pipeline plans as Mermaid flowcharts or
// ASCII boxes.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Stages looks up stage definitions to decide how a stage is drawn.
// *config.Registry implements it.
type Stages interface {
	Stage(name string) (*config.Stage, error)
}

// Generate produces a diagram of plan, titled with the pipeline name.
// stages may be nil, in which case every stage is drawn alike.
func Generate(name string, plan *config.Plan, stages Stages, format Format) (string, error) {
	if plan == nil {
		return "", fmt.Errorf("nil plan")
	}
	r := renderer{stages: stages}
	switch format {
	case FormatMermaid:
		return r.mermaid(name, plan), nil
	case FormatASCII:
		return r.ascii(name, plan), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

type stageKind int

const (
	kindPlain stageKind = iota
	kindInitial
	kindFinal
)

type renderer struct {
	stages Stages
}

func (r renderer) kind(stage string) stageKind {
	if r.stages == nil {
		return kindPlain
	}
	st, err := r.stages.Stage(stage)
	switch {
	case err != nil:
		return kindPlain
	case st.Initial:
		return kindInitial
	case st.Final:
		return kindFinal
	}
	return kindPlain
}

// --- Mermaid flowchart ---

func (r renderer) mermaid(name string, plan *config.Plan) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	b.WriteString(fmt.Sprintf("    START([%q])\n", escMermaid(name)))
	b.WriteString("    END([\"done\"])\n")
	r.mermaidPlan(&b, plan, "", "", "START", "")
	return b.String()
}

// mermaidPlan writes the nodes and edges of p, entered from node from. The
// first edge carries label, which names the branch being entered.
func (r renderer) mermaidPlan(b *strings.Builder, p *config.Plan, prefix, branch, from, label string) {
	prev := from
	for i, stage := range p.Stages() {
		id := fmt.Sprintf("%ss%d", prefix, i)
		b.WriteString("    " + r.nodeDefinition(id, stage) + "\n")
		writeEdge(b, prev, id, label)
		label = ""
		prev = id
	}

	branches := p.Branches()
	if len(branches) == 0 {
		writeEdge(b, prev, "END", label)
		return
	}
	for j, sub := range branches {
		path := fmt.Sprint(j)
		if branch != "" {
			path = branch + "." + path
		}
		r.mermaidPlan(b, sub, fmt.Sprintf("%sb%d_", prefix, j), path, prev, path)
	}
}

func writeEdge(b *strings.Builder, from, to, label string) {
	if label == "" {
		b.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
		return
	}
	b.WriteString(fmt.Sprintf("    %s -->|%q| %s\n", from, label, to))
}

func (r renderer) nodeDefinition(id, stage string) string {
	title := escMermaid(stage)
	switch r.kind(stage) {
	case kindInitial:
		return fmt.Sprintf(`%s(["%s"])`, id, title)
	case kindFinal:
		return fmt.Sprintf(`%s[["%s"]]`, id, title)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, title)
	}
}

// --- ASCII ---

func (r renderer) ascii(name string, plan *config.Plan) string {
	var b strings.Builder
	if name == "" {
		name = "pipeline"
	}
	if plan.Len() == 0 && len(plan.Branches()) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := r.boxWidth(plan, name)
	connCol := indent + 1 + boxWidth/2 // +1 for the left border
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", connCol)

	mid := boxWidth / 2
	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + centerPad(name, boxWidth) + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")
	b.WriteString(connPad + "│\n")

	stages := plan.Stages()
	for i, stage := range stages {
		r.writeASCIIStage(&b, stage, indent, boxWidth)
		if i < len(stages)-1 {
			b.WriteString(connPad + "│\n")
		}
	}

	branches := plan.Branches()
	if len(branches) == 0 {
		return b.String()
	}
	if len(stages) > 0 {
		b.WriteString(connPad + "│\n")
	}

	var lines []string
	for j, sub := range branches {
		lines = append(lines, fmt.Sprintf(" %d: %s ", j, sub))
	}
	width := 9 // room for the diamond
	for _, l := range lines {
		if w := runewidth.StringWidth(l); w > width {
			width = w
		}
	}
	// Odd width so the diamond lands on the connector.
	if width%2 == 0 {
		width++
	}
	half := width / 2
	left := connCol - half - 1
	if left < 0 {
		left = 0
	}
	brPad := strings.Repeat(" ", left)
	b.WriteString(brPad + "┌" + strings.Repeat("─", half) + "◇" + strings.Repeat("─", half) + "┐\n")
	for _, l := range lines {
		b.WriteString(brPad + "│" + l + strings.Repeat(" ", width-runewidth.StringWidth(l)) + "│\n")
	}
	b.WriteString(brPad + "└" + strings.Repeat("─", width) + "┘\n")
	return b.String()
}

// boxWidth returns the widest interior width needed by the top-level
// stages and the header name.
func (r renderer) boxWidth(plan *config.Plan, name string) int {
	w := 22
	if nw := runewidth.StringWidth(name) + 4; nw > w {
		w = nw
	}
	for _, stage := range plan.Stages() {
		if sw := runewidth.StringWidth(r.stageContent(stage)); sw > w {
			w = sw
		}
	}
	return w
}

func (r renderer) stageContent(stage string) string {
	return fmt.Sprintf(" %s %s ", stageIcon(r.kind(stage)), stage)
}

func (r renderer) writeASCIIStage(b *strings.Builder, stage string, indent, boxWidth int) {
	content := r.stageContent(stage)
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	b.WriteString(pad + "│" + content + strings.Repeat(" ", boxWidth-runewidth.StringWidth(content)) + "│\n")
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

func stageIcon(k stageKind) string {
	switch k {
	case kindInitial:
		return "▶"
	case kindFinal:
		return "■"
	default:
		return "○"
	}
}

// --- string helpers ---

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	right := total - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}
