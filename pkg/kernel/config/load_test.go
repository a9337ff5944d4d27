package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
)

func baseModule() Module {
	return Module{
		ID: "base",
		FS: fstest.MapFS{
			"config.yaml": {Data: []byte(`
include: shared/pipelines.yaml
stages:
  read: { from: "./stages:read", initial: true }
  write: { from: "./stages:write", final: true, options: { to: build } }
  out: write
`)},
			"shared/pipelines.yaml": {Data: []byte(`
pipelines:
  start-default: [read]
  end-default: [write]
  default: [start-default, end-default]
`)},
		},
		Path: "config.yaml",
	}
}

type resolveCall struct{ Module, Ref string }

func recordingResolver(calls *[]resolveCall) ActionResolver {
	return resolverFunc(func(module, ref string) (string, error) {
		*calls = append(*calls, resolveCall{module, ref})
		return module + "/" + ref, nil
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{}`)
	nested := filepath.Join(root, "src", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRoot(nested)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.Abs(root)
	if got != want {
		t.Errorf("FindRoot = %q, want %q", got, want)
	}
}

func TestLoad_BaseAndProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFile), `
include:
  - ./ci/extra.yaml
pipelines:
  default: [read, custom]
stages:
  custom: { from: ./tools/custom, final: true }
  out: { options: { name: app } }
`)
	writeFile(t, filepath.Join(root, "ci", "extra.yaml"), `
pipelines:
  default: [read]
  ci: [read, [[custom], [write]]]
`)

	var calls []resolveCall
	r, err := Load(root, LoadOptions{
		Actions: recordingResolver(&calls),
		Modules: []Module{baseModule()},
		Base:    "base",
	})
	if err != nil {
		t.Fatal(err)
	}

	wantCalls := []resolveCall{
		{"base", "./stages:read"},
		{"base", "./stages:write"},
		{root, "./tools/custom"},
	}
	if diff := cmp.Diff(wantCalls, calls); diff != "" {
		t.Errorf("resolver calls (-want +got):\n%s", diff)
	}

	// Project entries are merged after its includes.
	def, _ := r.Pipeline("default")
	if diff := cmp.Diff([]any{"read", "custom"}, def); diff != "" {
		t.Errorf("default (-want +got):\n%s", diff)
	}
	if !r.HasPipeline("ci") || !r.HasPipeline("start-default") {
		t.Error("included pipelines missing")
	}

	// Options given under the alias extend its target.
	w, _ := r.Stage("write")
	if diff := cmp.Diff(map[string]any{"to": "build", "name": "app"}, w.Options); diff != "" {
		t.Errorf("write options (-want +got):\n%s", diff)
	}
	if r.Root != root {
		t.Errorf("Root = %q, want %q", r.Root, root)
	}

	plan, err := r.Normalize("ci")
	if err != nil {
		t.Fatal(err)
	}
	want := []any{"read", []any{[]any{"custom"}, []any{"write"}}}
	if diff := cmp.Diff(want, plan.Value()); diff != "" {
		t.Errorf("ci plan (-want +got):\n%s", diff)
	}
}

func TestLoad_PackageJSONFallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{
  "name": "ext",
  "config": { "pipewright": { "pipelines": { "zip": ["read", "write"] } } }
}`)
	r, err := Load(root, LoadOptions{Modules: []Module{baseModule()}, Base: "base"})
	if err != nil {
		t.Fatal(err)
	}
	def, ok := r.Pipeline("zip")
	if !ok {
		t.Fatal("pipeline from package.json missing")
	}
	if diff := cmp.Diff([]any{"read", "write"}, def); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestLoad_ProjectOptional(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"name": "bare"}`)
	r, err := Load(root, LoadOptions{Modules: []Module{baseModule()}, Base: "base"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Normalize(DefaultPipeline); err != nil {
		t.Errorf("default pipeline: %v", err)
	}
}

func TestInclude_Errors(t *testing.T) {
	cases := map[string]string{
		"not yaml":       "include: ./scripts/build.sh",
		"unknown module": "include: nowhere",
		"self include":   "include: ./pipewright.yaml",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, ProjectFile), doc)
			_, err := Load(root, LoadOptions{})
			if !errors.Is(err, ErrInvalidInclude) {
				t.Errorf("err = %v, want ErrInvalidInclude", err)
			}
		})
	}
}

func TestLoad_StrictDecode(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFile), "pipelines: {}\nsteps: []\n")
	_, err := Load(root, LoadOptions{})
	var se *SourceError
	if !errors.As(err, &se) || se.Source != filepath.Join(root, ProjectFile) {
		t.Errorf("err = %v, want source error for the project file", err)
	}
}

func TestApplyOverrides(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.IncludeModule("missing"); !errors.Is(err, ErrInvalidInclude) {
		t.Errorf("err = %v, want ErrInvalidInclude", err)
	}
	r.RegisterModule(baseModule())
	if err := r.IncludeModule("base"); err != nil {
		t.Fatal(err)
	}

	err := r.ApplyOverrides([]string{
		"out: { name: beta, clear: true }",
		"read: { ignore: '*.map' }",
	})
	if err != nil {
		t.Fatal(err)
	}
	w, _ := r.Stage("write")
	if diff := cmp.Diff(map[string]any{"to": "build", "name": "beta", "clear": true}, w.Options); diff != "" {
		t.Errorf("write options (-want +got):\n%s", diff)
	}
	rd, _ := r.Stage("read")
	if rd.Options["ignore"] != "*.map" {
		t.Errorf("read options = %v", rd.Options)
	}

	err = r.ApplyOverrides([]string{"read: {}", "write: 5"})
	var se *SourceError
	if !errors.As(err, &se) || se.Source != "cli:1" || !errors.Is(err, ErrShape) {
		t.Errorf("err = %v, want shape error from cli:1", err)
	}
}

func TestLoad_PackageJSONWithoutConfig(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), `{"name": "ext", "config": {"other": true}}`)
	r, err := Load(root, LoadOptions{Modules: []Module{baseModule()}, Base: "base"})
	if err != nil {
		t.Fatal(err)
	}
	if r.HasPipeline("zip") {
		t.Error("unexpected project pipeline")
	}
	if !r.HasPipeline(DefaultPipeline) {
		t.Error("base pipelines missing")
	}
}
