package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the configuration document looked up in a project root.
const ProjectFile = "pipewright.yaml"

// Module is a configuration source that fragments include by symbolic id.
type Module struct {
	ID   string
	FS   fs.FS  // files of the module
	Path string // fragment document within FS
}

// LoadOptions configures Load.
type LoadOptions struct {
	Actions ActionResolver
	Modules []Module // symbolic modules available to include
	Base    string   // module included before the project configuration
}

// RegisterModule makes m includable by its id.
func (r *Registry) RegisterModule(m Module) {
	r.modules[m.ID] = m
}

// FindRoot walks up from dir to the first directory containing the project
// configuration file or a package.json.
func FindRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for d := abs; ; {
		for _, name := range []string{ProjectFile, "package.json"} {
			if _, err := os.Stat(filepath.Join(d, name)); err == nil {
				return d, nil
			}
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", fmt.Errorf("no %s or package.json found above %s", ProjectFile, abs)
		}
		d = parent
	}
}

// Load builds the registry for the project containing dir: the base module
// first, then the project's own configuration when it has one.
func Load(dir string, opts LoadOptions) (*Registry, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(opts.Actions)
	r.Root = root
	for _, m := range opts.Modules {
		r.RegisterModule(m)
	}
	if opts.Base != "" {
		if err := r.IncludeModule(opts.Base); err != nil {
			return nil, err
		}
	}
	if err := r.IncludeProject(root); err != nil {
		return nil, err
	}
	return r, nil
}

// IncludeModule merges the fragment of a registered module.
func (r *Registry) IncludeModule(id string) error {
	m, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("%w: unknown module %s", ErrInvalidInclude, id)
	}
	doc := document{module: id, fsys: m.FS, path: m.Path}
	return r.includeDoc(doc, make(map[string]bool))
}

// IncludeProject merges the project configuration in root, read from the
// project file or else from package.json#config.pipewright. A project
// without either is not an error.
func (r *Registry) IncludeProject(root string) error {
	doc := document{module: root, path: filepath.Join(root, ProjectFile)}
	if _, err := os.Stat(doc.path); err == nil {
		return r.includeDoc(doc, make(map[string]bool))
	}

	pkgPath := filepath.Join(root, "package.json")
	data, err := os.ReadFile(pkgPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var pkg struct {
		Config struct {
			Pipewright yaml.Node `yaml:"pipewright"`
		} `yaml:"config"`
	}
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return &SourceError{Source: pkgPath, Err: fmt.Errorf("parse package.json: %w", err)}
	}
	if pkg.Config.Pipewright.Kind == 0 {
		return nil
	}
	var frag Fragment
	if err := pkg.Config.Pipewright.Decode(&frag); err != nil {
		return &SourceError{Source: pkgPath + "#config.pipewright", Err: fmt.Errorf("%w: %v", ErrShape, err)}
	}
	doc.path = pkgPath
	return r.includeFragment(doc, &frag, make(map[string]bool))
}

// IncludeFile merges a fragment document from disk. Relative action
// references resolve against the document's directory.
func (r *Registry) IncludeFile(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	return r.includeDoc(document{module: filepath.Dir(abs), path: abs}, make(map[string]bool))
}

// IncludeFragment merges an already decoded fragment as if it had been read
// from the document at p.
func (r *Registry) IncludeFragment(frag *Fragment, p string) error {
	if p == "" {
		p = ProjectFile
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	doc := document{module: filepath.Dir(abs), path: abs}
	return r.includeFragment(doc, frag, map[string]bool{doc.key(): true})
}

// ApplyOverrides merges stage option overrides, each a document of the form
// `{ stageNameOrAlias: options }`. Options given for an alias extend the
// stage it points to.
func (r *Registry) ApplyOverrides(docs []string) error {
	for i, doc := range docs {
		source := fmt.Sprintf("cli:%d", i)
		var overrides map[string]any
		if err := yaml.Unmarshal([]byte(doc), &overrides); err != nil {
			return &SourceError{Source: source, Err: fmt.Errorf("%w: %v", ErrShape, err)}
		}
		stages := make(map[string]any, len(overrides))
		for name, options := range overrides {
			stages[name] = map[string]any{"options": options}
		}
		if err := r.AddStages(Origin{Source: source}, stages); err != nil {
			return err
		}
	}
	return nil
}

// document is a fragment location: a file in a module FS, or on disk when
// fsys is nil.
type document struct {
	module string
	fsys   fs.FS
	path   string
}

func (d document) read() ([]byte, error) {
	if d.fsys != nil {
		return fs.ReadFile(d.fsys, d.path)
	}
	return os.ReadFile(d.path)
}

// key identifies the document for include-cycle detection.
func (d document) key() string {
	if d.fsys != nil {
		return d.module + "!" + d.path
	}
	return d.path
}

// sibling resolves ref relative to d, keeping d's module identity.
func (d document) sibling(ref string) document {
	out := d
	if d.fsys != nil {
		out.path = path.Join(path.Dir(d.path), ref)
		return out
	}
	if filepath.IsAbs(ref) {
		out.path = filepath.Clean(ref)
	} else {
		out.path = filepath.Join(filepath.Dir(d.path), filepath.FromSlash(ref))
	}
	return out
}

func (r *Registry) includeDoc(doc document, active map[string]bool) error {
	if active[doc.key()] {
		return &SourceError{Source: doc.path, Err: fmt.Errorf("%w: %s includes itself", ErrInvalidInclude, doc.path)}
	}
	data, err := doc.read()
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	frag, err := DecodeFragment(bytes.NewReader(data))
	if err != nil {
		return &SourceError{Source: doc.path, Err: err}
	}
	active[doc.key()] = true
	defer delete(active, doc.key())
	return r.includeFragment(doc, frag, active)
}

func (r *Registry) includeFragment(doc document, frag *Fragment, active map[string]bool) error {
	for _, ref := range frag.Include {
		if err := r.include(doc, ref, active); err != nil {
			return err
		}
	}
	if frag.Pipelines != nil {
		if err := r.AddPipelines(doc.path, frag.Pipelines); err != nil {
			return err
		}
	}
	if frag.Stages != nil {
		if err := r.AddStages(Origin{Module: doc.module, Source: doc.path}, frag.Stages); err != nil {
			return err
		}
	}
	return nil
}

// include merges a module by id, or a .yaml document relative to the
// including document. Included documents keep the includer's module identity.
func (r *Registry) include(from document, ref string, active map[string]bool) error {
	switch {
	case !strings.ContainsAny(ref, `/\`):
		m, ok := r.modules[ref]
		if !ok {
			return &SourceError{Source: from.path, Err: fmt.Errorf("%w: unknown module %s", ErrInvalidInclude, ref)}
		}
		return r.includeDoc(document{module: ref, fsys: m.FS, path: m.Path}, active)
	case strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml"):
		return r.includeDoc(from.sibling(ref), active)
	}
	return &SourceError{Source: from.path, Err: fmt.Errorf("%w: %s", ErrInvalidInclude, ref)}
}

// DecodeFragment strictly decodes one fragment document. Unknown top-level
// keys are rejected. An empty document yields an empty fragment.
func DecodeFragment(rd io.Reader) (*Fragment, error) {
	var frag Fragment
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&frag); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &frag, nil
}
