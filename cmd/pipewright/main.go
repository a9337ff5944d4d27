// Package main provides the pipewright binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	pmcp "github.com/ormasoftchile/pipewright/pkg/ecosystem/mcp"
	"github.com/ormasoftchile/pipewright/pkg/kernel/action"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/settings"
	"github.com/ormasoftchile/pipewright/pkg/stages"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	okGlyph   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("✓")
	failGlyph = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("✗")
	warnGlyph = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Render("⚠")
)

var (
	v   = settings.New()
	cfg *settings.Settings
)

func main() {
	if err := settings.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: .env: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pipewright",
	Short:        "Configurable build pipeline engine",
	Long:         "pipewright runs composable, branching build pipelines assembled from layered YAML configuration.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd, v)
	},
}

// setup decodes the settings and installs the logger on the command context.
func setup(cmd *cobra.Command, v *viper.Viper) error {
	s, err := settings.Load(v)
	if err != nil {
		return err
	}
	logger, err := ctxlog.New(cmd.ErrOrStderr(), s.Log.Level, s.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
	cfg = s
	return nil
}

// project loads the configuration of the project containing the working
// directory, with the built-in stages available.
func project() (*config.Registry, *action.Registry, error) {
	actions := action.NewRegistry()
	stages.Register(actions)
	reg, err := config.Load(".", stages.LoadOptions(actions))
	if err != nil {
		return nil, nil, err
	}
	return reg, actions, nil
}

// pipelineArg returns the pipeline named on the command line, or the
// configured default when none is named or the name is "-".
func pipelineArg(args []string) string {
	if len(args) > 0 && args[0] != "" && args[0] != "-" {
		return args[0]
	}
	return cfg.Pipeline
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration fragment (default: " + config.ProjectFile + ")",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := config.ProjectFile
	if len(args) > 0 {
		filePath = args[0]
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	actions := action.NewRegistry()
	stages.Register(actions)
	frag, errs := config.Validate(data, filePath, stages.LoadOptions(actions))

	stderr := cmd.ErrOrStderr()
	var failures []*config.ValidationError
	for _, e := range errs {
		if e.Severity != "warning" {
			failures = append(failures, e)
			continue
		}
		fmt.Fprintf(stderr, "  %s [%s] %s\n", warnGlyph, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(stderr, "    at: %s\n", e.Path)
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(stderr, "%s Validation failed: %d error(s)\n\n", failGlyph, len(failures))
		for i, e := range failures {
			fmt.Fprintf(stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(stderr, "     at: %s\n", e.Path)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(failures))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid (%d pipelines, %d stages)\n",
		okGlyph, filePath, len(frag.Pipelines), len(frag.Stages))
	return nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the pipelines and stages of the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := project()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Project: %s\n\nPipelines:\n", reg.Root)
		for _, name := range reg.PipelineNames() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "\nStages:")
		for _, name := range reg.StageNames() {
			if target, ok := reg.Alias(name); ok {
				fmt.Fprintf(out, "  %s -> %s\n", name, target)
				continue
			}
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "JSON Schema of configuration fragments",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the fragment JSON Schema to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipewright MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.ServeStdio(pmcp.NewServer(version))
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pipewright %s (build: %s)\n", version, commit)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.Duration("debounce", 0, "Coalescing window for incremental re-walks (default 1s)")
	flags.String("trace", "", "Write a JSONL run trace to this file")
	flags.String("pipeline", config.DefaultPipeline, "Pipeline used when none is named")
	if err := settings.BindFlags(v, flags); err != nil {
		panic(err)
	}

	planCmd.Flags().StringVar(&planFormat, "format", "text", "Output format: text, json, mermaid, ascii")

	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}
