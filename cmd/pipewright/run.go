package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/pipewright/pkg/ctxlog"
	"github.com/ormasoftchile/pipewright/pkg/diagram"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/engine"
	"github.com/ormasoftchile/pipewright/pkg/kernel/trace"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [pipeline] [overrides...]",
	Short: "Run a pipeline",
	Long: `Run a pipeline of the project containing the working directory.

Each override is a YAML document mapping stage names to options. A pipeline
of "-" runs the configured default, e.g.
  pipewright run - '{write-fs: {to: dist, clear: true}}'`,
	RunE: runPipeline,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	log := ctxlog.FromContext(ctx)

	name := pipelineArg(args)
	reg, actions, err := project()
	if err != nil {
		return err
	}
	defer func() {
		if err := actions.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("closing actions", "error", err)
		}
	}()
	if len(args) > 1 {
		if err := reg.ApplyOverrides(args[1:]); err != nil {
			return err
		}
	}
	plan, err := reg.Normalize(name)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	var tw *trace.Writer
	if cfg.Trace != "" {
		tw, err = trace.NewFileWriter(cfg.Trace, runID)
		if err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer tw.Close()
	}

	log.Info("running pipeline", "pipeline", name, "run", runID, "plan", plan.String())
	eng := engine.New(reg, engine.RunConfig{
		RunID:    runID,
		Actions:  actions,
		Debounce: cfg.Debounce,
		Trace:    tw,
	})
	result := eng.Run(ctx, name, build.New(reg, plan, reg.Root))

	out := cmd.OutOrStdout()
	if result.Error != nil {
		fmt.Fprintf(out, "%s %s failed after %s\n", failGlyph, name, result.Duration)
		return result.Error
	}
	fmt.Fprintf(out, "%s %s completed (%d branches, %s)\n", okGlyph, name, len(result.Done), result.Duration)
	if result.Rewalks > 0 {
		fmt.Fprintf(out, "  Rewalks: %d (%d failed)\n", result.Rewalks, result.RewalkFailures)
	}
	return nil
}

// --- plan ---

var planFormat string

var planCmd = &cobra.Command{
	Use:   "plan [pipeline]",
	Short: "Print the execution plan of a pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	name := pipelineArg(args)
	reg, _, err := project()
	if err != nil {
		return err
	}
	plan, err := reg.Normalize(name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(planFormat) {
	case "", "text":
		fmt.Fprintln(out, plan.String())
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	default:
		d, err := diagram.Generate(name, plan, reg, diagram.Format(planFormat))
		if err != nil {
			return err
		}
		fmt.Fprint(out, d)
	}
	return nil
}
