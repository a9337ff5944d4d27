// Package stages provides the built-in stage actions and the default
// configuration that references them.
package stages

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

const (
	// ModuleID is the configuration module id of the defaults.
	ModuleID = "pipewright"
	// ActionModule is the action module key the defaults' `from: ./stages:...`
	// references resolve to.
	ActionModule = ModuleID + "/stages"
)

//go:embed builtin.yaml
var builtinFS embed.FS

// Module returns the configuration module holding the default pipelines and
// stage definitions.
func Module() config.Module {
	return config.Module{ID: ModuleID, FS: builtinFS, Path: "builtin.yaml"}
}

// Actions returns the built-in stage actions by export name.
func Actions() action.Module {
	return action.Module{
		"read-fs":   {Run: ReadFS},
		"watch-fs":  {Watch: (&Watcher{}).Watch},
		"write-fs":  {Run: WriteFS},
		"set-state": {Run: SetState},
	}
}

// Register makes the built-in actions resolvable through r.
func Register(r *action.Registry) {
	r.Register(ActionModule, Actions())
}

// LoadOptions returns load options that include the defaults before the
// project configuration.
func LoadOptions(actions config.ActionResolver) config.LoadOptions {
	return config.LoadOptions{
		Actions: actions,
		Modules: []config.Module{Module()},
		Base:    ModuleID,
	}
}

// decodeOptions copies a stage's options onto the fields of out, which
// carries its defaults. Keys without a matching field are ignored.
func decodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	data, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
