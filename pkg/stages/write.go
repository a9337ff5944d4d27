package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
)

type writeOptions struct {
	To            string `yaml:"to"`
	Name          string `yaml:"name"`
	Clear         any    `yaml:"clear"` // true, false or "try"
	LinkFiles     bool   `yaml:"linkFiles"`
	OnlyGenerated bool   `yaml:"onlyGenerated"`
}

// WriteFS writes the file tree to <to>/<name>/ below the project root. The
// name defaults to the build target.
func WriteFS(ctx context.Context, bc *build.Context, options map[string]any) error {
	opts := writeOptions{To: "build"}
	if err := decodeOptions(options, &opts); err != nil {
		return err
	}
	name := opts.Name
	if name == "" {
		name = bc.Target
	}
	if name == "" {
		name = "default"
	}
	target := filepath.Join(resolvePath(bc.RootDir, opts.To), name)

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	switch opts.Clear {
	case nil, false:
	case true, "try":
		if err := emptyDir(target); err != nil {
			if opts.Clear != "try" {
				return fmt.Errorf("clear output dir: %w", err)
			}
			ctxlog.FromContext(ctx).Warn("failed to clear output dir", "dir", target, "error", err)
		}
	default:
		return fmt.Errorf("invalid options: clear must be a boolean or \"try\", got %v", opts.Clear)
	}

	if bc.FileRoot == nil {
		return nil
	}
	return files.Walk(bc.FileRoot, func(n *files.Node) error {
		if opts.OnlyGenerated && !n.Generated {
			return filepath.SkipDir
		}
		dst := filepath.Join(target, filepath.FromSlash(n.Path))
		switch {
		case n.IsDir():
			if opts.OnlyGenerated {
				return nil
			}
			return os.MkdirAll(dst, 0o755)
		case opts.LinkFiles && n.DiskPath != "":
			return link(n.DiskPath, dst)
		default:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			return os.WriteFile(dst, n.Content, 0o644)
		}
	})
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// link points dst at src, replacing whatever dst was.
func link(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(src, dst)
}
