package stages

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

type stateOptions struct {
	Set  map[string]any    `yaml:"set"`
	Eval map[string]string `yaml:"eval"`
}

// SetState merges set onto the context, then evaluates each eval expression
// in name order and stores its result under that name. Well-known build
// fields are stored on the context itself, everything else in the metadata.
func SetState(_ context.Context, bc *build.Context, options map[string]any) error {
	var opts stateOptions
	if err := decodeOptions(options, &opts); err != nil {
		return err
	}
	for _, key := range sortedNames(opts.Set) {
		if err := setField(bc, key, opts.Set[key]); err != nil {
			return err
		}
	}
	for _, key := range sortedNames(opts.Eval) {
		src := opts.Eval[key]
		env := stateEnv(bc)
		program, err := expr.Compile(src, expr.Env(env))
		if err != nil {
			return fmt.Errorf("compile %s expression %q: %w", key, src, err)
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("eval %s expression %q: %w", key, src, err)
		}
		if err := setField(bc, key, out); err != nil {
			return err
		}
	}
	return nil
}

func setField(bc *build.Context, key string, value any) error {
	field := map[string]*string{
		"target":       &bc.Target,
		"buildNumber":  &bc.BuildNumber,
		"idSuffix":     &bc.IDSuffix,
		"nameSuffix":   &bc.NameSuffix,
		"versionInfix": &bc.VersionInfix,
	}[key]
	if field == nil {
		if m, ok := value.(map[string]any); ok {
			dst, _ := bc.Meta[key].(map[string]any)
			if dst == nil {
				dst = make(map[string]any)
			}
			config.MergeInto(dst, m)
			bc.Meta[key] = dst
			return nil
		}
		bc.Meta[key] = value
		return nil
	}
	switch v := value.(type) {
	case nil:
		*field = ""
	case string:
		*field = v
	case int, int64, float64, bool:
		*field = fmt.Sprint(v)
	default:
		return fmt.Errorf("set %s: want a scalar, got %T", key, value)
	}
	return nil
}

// stateEnv is what eval expressions see.
func stateEnv(bc *build.Context) map[string]any {
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return map[string]any{
		"meta":         bc.Meta,
		"package":      bc.Package,
		"target":       bc.Target,
		"buildNumber":  bc.BuildNumber,
		"idSuffix":     bc.IDSuffix,
		"nameSuffix":   bc.NameSuffix,
		"versionInfix": bc.VersionInfix,
		"done":         slices.Clone(bc.Stages.Done),
		"env":          env,
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
