// Package build defines the build context threaded through every stage
// invocation of a pipeline run.
package build

import (
	"maps"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

// StageState is the execution bookkeeping of one context.
type StageState struct {
	Current string   `json:"current,omitempty"` // stage running now, empty between stages
	Done    []string `json:"done"`              // completed stages in order
}

// Context is the mutable record a pipeline branch runs over. It is owned by
// the branch walking it; concurrent branches each get their own Clone.
type Context struct {
	Config   *config.Registry // merged configuration, shared and read-only during a run
	Pipeline *config.Plan     // plan being executed, immutable
	Stages   StageState

	RootDir  string      // project root on disk
	FileRoot *files.Node // virtual file tree, nil until a stage reads one

	// Well-known build metadata. Stages outside the core attach anything
	// else to Meta.
	Target       string         `json:"target"`
	BuildNumber  string         `json:"buildNumber,omitempty"`
	IDSuffix     string         `json:"idSuffix,omitempty"`
	NameSuffix   string         `json:"nameSuffix,omitempty"`
	VersionInfix string         `json:"versionInfix,omitempty"`
	Package      map[string]any `json:"package,omitempty"` // parsed package.json, when loaded
	Meta         map[string]any `json:"meta,omitempty"`
}

// New creates the context for a top-level run of plan.
func New(reg *config.Registry, plan *config.Plan, rootDir string) *Context {
	return &Context{
		Config:   reg,
		Pipeline: plan,
		Stages:   StageState{Done: []string{}},
		RootDir:  rootDir,
		Target:   "default",
		Meta:     make(map[string]any),
	}
}

// Clone returns a deep copy of c. The file tree, stage history, package data
// and metadata are copied; the configuration and plan are shared because they
// are never mutated during a run.
func (c *Context) Clone() *Context {
	out := *c
	out.Stages = StageState{
		Current: c.Stages.Current,
		Done:    slices.Clone(c.Stages.Done),
	}
	if out.Stages.Done == nil {
		out.Stages.Done = []string{}
	}
	if c.FileRoot != nil {
		out.FileRoot = c.FileRoot.Clone()
	}
	out.Package = CloneMap(c.Package)
	out.Meta = CloneMap(c.Meta)
	if out.Meta == nil {
		out.Meta = make(map[string]any)
	}
	return &out
}

// Complete records name as done and clears the current stage.
func (c *Context) Complete(name string) {
	c.Stages.Done = append(c.Stages.Done, name)
	c.Stages.Current = ""
}

// ---------------------------------------------------------------------------
// File tree helpers
// ---------------------------------------------------------------------------

// Get returns the node at the virtual path, or nil.
func (c *Context) Get(path string) *files.Node {
	if c.FileRoot == nil {
		return nil
	}
	return files.Get(c.FileRoot, path)
}

// Has reports whether any of the paths is loaded.
func (c *Context) Has(paths ...string) bool {
	for _, p := range paths {
		if c.Get(p) != nil {
			return true
		}
	}
	return false
}

// Read returns the content of the loaded file at path.
func (c *Context) Read(path string) ([]byte, error) {
	if c.FileRoot == nil {
		return nil, files.ErrNotLoaded
	}
	return files.Read(c.FileRoot, path)
}

// AddModule returns the node at path, loading it from the project root with
// ancestor creation when it is not in the tree yet.
func (c *Context) AddModule(path string) (*files.Node, error) {
	if n := c.Get(path); n != nil {
		return n, nil
	}
	if c.FileRoot == nil {
		c.FileRoot = files.NewRoot()
	}
	virt := strings.TrimRight(path, `/\`)
	return files.AddAs(c.FileRoot, filepath.Join(c.RootDir, filepath.FromSlash(virt)), virt, true)
}

// ---------------------------------------------------------------------------
// Metadata copying
// ---------------------------------------------------------------------------

// CloneMap deep-copies maps and slices nested in m. Other values are copied
// by assignment, so stages storing pointers in metadata own their aliasing.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies v when it is a map, slice or byte buffer.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	case []byte:
		return slices.Clone(val)
	case []string:
		return slices.Clone(val)
	case map[string]string:
		return maps.Clone(val)
	case nil:
		return nil
	}

	// Other map and slice kinds are copied shallowly through reflection so a
	// branch never appends into a sibling's backing array.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	case reflect.Slice:
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	}
	return v
}
