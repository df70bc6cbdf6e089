package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Check a plan file and show its execution order",
	Long: `Load a hand-written plan, check it for duplicate IDs, unknown dependencies
and cycles, and print the tasks in dependency order with the tier each one
would start on and its estimated cost.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		plan, err := agent.LoadPlan(args[0])
		if err != nil {
			return err
		}
		return describePlan(cmd.OutOrStdout(), cfg, plan)
	},
}

// describePlan validates the plan's graph and its fallbacks and writes the
// execution order.
func describePlan(w io.Writer, cfg *config.Config, plan *agent.Plan) error {
	board := scheduler.NewBlackboard()
	if err := board.RegisterAll(plan.Tasks); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	order, err := board.Order()
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	failedIDs := make([]string, 0, len(plan.Fallbacks))
	for id := range plan.Fallbacks {
		failedIDs = append(failedIDs, id)
	}
	sort.Strings(failedIDs)
	for _, id := range failedIDs {
		if _, ok := board.Get(id); !ok {
			return fmt.Errorf("invalid plan: fallback for unknown task %q", id)
		}
	}

	classifier := cfg.NewClassifier()
	costs := cfg.CostTable()
	total := 0.0

	if plan.Request != "" {
		fmt.Fprintf(w, "Request: %s\n\n", plan.Request)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTASK\tROLE\tTIER\tEST. COST\tDEPENDS ON")
	for i, id := range order {
		task, _ := board.Get(id)
		tier := classifier.Classify(task).AtLeast(cfg.Classifier.MinTier)
		estimate := costs.Estimate(tier, task)
		total += estimate
		deps := "-"
		if len(task.DependsOn) > 0 {
			deps = fmt.Sprint(task.DependsOn)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t$%.4f\t%s\n", i+1, task.ID, task.Role, tier, estimate, deps)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d tasks, estimated $%.4f per pass", len(order), total)
	if cfg.Budget.CeilingPerRun > 0 {
		fmt.Fprintf(w, " (run ceiling $%.2f)", cfg.Budget.CeilingPerRun)
	}
	fmt.Fprintln(w)
	for _, id := range failedIDs {
		fmt.Fprintf(w, "Fallback for %s: %d tasks\n", id, len(plan.Fallbacks[id]))
	}
	return nil
}
