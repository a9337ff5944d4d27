package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
)

// defaultIgnores are ignored ahead of the project's ignore file. Patterns in
// the ignore file or the ignore option can re-include with a leading "!".
var defaultIgnores = []string{".*", "/node_modules/"}

type readOptions struct {
	From       string `yaml:"from"`
	IgnoreFile string `yaml:"ignorefile"`
	Ignore     string `yaml:"ignore"`
}

// ReadFS loads the file tree from the project directory, skipping paths
// matched by gitignore-style rules. A package.json at the top of the tree
// is parsed into the context's package data.
func ReadFS(ctx context.Context, bc *build.Context, options map[string]any) error {
	opts := readOptions{From: "./", IgnoreFile: ".gitignore"}
	if err := decodeOptions(options, &opts); err != nil {
		return err
	}
	root := resolvePath(bc.RootDir, opts.From)

	lines := append([]string(nil), defaultIgnores...)
	if opts.IgnoreFile != "" {
		data, err := os.ReadFile(filepath.Join(root, opts.IgnoreFile))
		if err != nil {
			ctxlog.FromContext(ctx).Warn("ignoring missing ignore file", "file", opts.IgnoreFile)
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	lines = append(lines, strings.Split(opts.Ignore, "\n")...)
	matcher := gitignore.CompileIgnoreLines(stripComments(lines)...)

	tree, err := files.MakeNode(nil, root, "", func(p string) bool {
		return p == "" || p == opts.IgnoreFile || !matcher.MatchesPath(p)
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	if !tree.IsDir() {
		return fmt.Errorf("read %s: %w", root, files.ErrNotDirectory)
	}
	bc.FileRoot = tree

	if pkg := tree.Children["package.json"]; pkg != nil && !pkg.IsDir() {
		var data map[string]any
		if err := json.Unmarshal(pkg.Content, &data); err != nil {
			return fmt.Errorf("parse package.json: %w", err)
		}
		bc.Package = data
	}
	return nil
}

func stripComments(lines []string) []string {
	out := lines[:0:0]
	for _, l := range lines {
		if !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out
}

// resolvePath resolves p against base unless it is absolute.
func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, filepath.FromSlash(p))
}
