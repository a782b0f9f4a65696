package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mopkit/internal/assembler"
	"mopkit/internal/budget"
	"mopkit/internal/chunk"
	"mopkit/internal/engine"
	"mopkit/internal/telemetry"
	"mopkit/internal/workflow"
)

var (
	recordsFile string
	briefFile   string
	autoApprove string
)

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Start a run for a marketing-ops request",
	Long: `Takes a request through understand and plan, then stops at the approval
gate. Pass --approve-as to acknowledge the plan in the same invocation and
execute to delivery. Bulk data comes from --records (CSV); the brief and any
other always-on context from --brief.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cfg, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		request := strings.Join(args, " ")
		run, err := e.StartRun(request)
		if err != nil {
			return err
		}
		ledger := e.NewLedger()
		fmt.Printf("run %s started (budget: %d tokens, $%.2f, %s)\n",
			run.ID, cfg.Budget.MaxTokens, cfg.Budget.MaxCostUSD, cfg.Budget.MaxRuntime)

		records, err := loadRecords(recordsFile)
		if err != nil {
			return err
		}

		if err := e.Understand(ctx, run, ledger); err != nil {
			return describeFailure("understand", err)
		}
		if err := e.BuildPlan(ctx, run, ledger, len(records)); err != nil {
			return describeFailure("plan", err)
		}

		printPlan(run)
		if autoApprove == "" {
			fmt.Println("\nplan awaiting approval; run: mopkit approve", run.ID, "--as <name>")
			return nil
		}
		if err := e.Approve(run, autoApprove); err != nil {
			return describeFailure("approve", err)
		}
		fmt.Printf("approved by %s, executing\n", autoApprove)

		return executeToDelivery(ctx, e, run, ledger, records)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [run-id]",
	Short: "Approve a pending plan and execute the run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("as")
		if approver == "" {
			return fmt.Errorf("--as is required; approval needs a name on record")
		}

		e, _, err := buildEngine()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		run, err := e.Runs().Load(args[0])
		if err != nil {
			return err
		}
		if run.Parked {
			if err := run.Resume(); err != nil {
				return err
			}
			if err := e.Runs().Save(run); err != nil {
				return err
			}
			fmt.Printf("run %s resumed in %s phase\n", run.ID, run.Phase)
			return nil
		}

		if err := e.Approve(run, approver); err != nil {
			return describeFailure("approve", err)
		}

		records, err := loadRecords(recordsFile)
		if err != nil {
			return err
		}
		return executeToDelivery(ctx, e, run, e.NewLedger(), records)
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip [run-id] [step-id]",
	Short: "Waive a plan step with an operator override note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			return fmt.Errorf("--note is required; overrides need a reason on record")
		}

		e, _, err := buildEngine()
		if err != nil {
			return err
		}
		run, err := e.Runs().Load(args[0])
		if err != nil {
			return err
		}
		if run.Plan == nil {
			return fmt.Errorf("run %s has no plan yet", run.ID)
		}
		if err := run.Plan.MarkSkipped(args[1], note); err != nil {
			return err
		}
		if err := e.Runs().Save(run); err != nil {
			return err
		}
		fmt.Printf("step %s waived on run %s: %s\n", args[1], run.ID, note)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status, or list recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := buildEngine()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			ids, err := e.Runs().List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no runs")
				return nil
			}
			for _, id := range ids {
				run, err := e.Runs().Load(id)
				if err != nil {
					continue
				}
				marker := ""
				if run.Parked {
					marker = " [parked: " + run.ParkedReason + "]"
				}
				fmt.Printf("%s  %-10s  %s%s\n", run.ID, run.Phase, truncate(run.Request, 60), marker)
			}
			return nil
		}

		run, err := e.Runs().Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run:     %s\nrequest: %s\nphase:   %s\n", run.ID, run.Request, run.Phase)
		if run.Parked {
			fmt.Printf("parked:  %s\n", run.ParkedReason)
		}
		if run.ApprovedBy != "" {
			fmt.Printf("approved by %s at %s\n", run.ApprovedBy, run.ApprovedAt.Format("2006-01-02 15:04"))
		}
		printPlan(run)
		if len(run.History) > 0 {
			fmt.Println("history:")
			for _, tr := range run.History {
				fmt.Printf("  %s  %s -> %s  %s\n",
					tr.At.Format("15:04:05"), tr.From, tr.To, tr.Reason)
			}
		}
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token and cost usage aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := buildEngine()
		if err != nil {
			return err
		}
		stats := e.Telemetry().Stats()

		fmt.Printf("total: %d tokens (%d in / %d out), $%.4f across %d calls, %d failures\n",
			stats.Total.Total, stats.Total.Input, stats.Total.Output,
			stats.Total.CostUSD, stats.Total.Calls, stats.Total.Failures)

		printBreakdown("by tier", stats.ByTier)
		printBreakdown("by model", stats.ByModel)
		printBreakdown("by phase", stats.ByPhase)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&recordsFile, "records", "", "CSV file of bulk records (first column is the ID)")
	runCmd.Flags().StringVar(&briefFile, "brief", "", "file with always-on context for every step")
	runCmd.Flags().StringVar(&autoApprove, "approve-as", "", "approve the plan as this name and execute immediately")
	approveCmd.Flags().String("as", "", "name recorded on the approval")
	approveCmd.Flags().StringVar(&recordsFile, "records", "", "CSV file of bulk records")
	skipCmd.Flags().String("note", "", "override note recorded on the waived step")
}

// executeToDelivery drives the approved plan step by step and delivers.
func executeToDelivery(ctx context.Context, e *engine.Engine, run *workflow.Run, ledger *budget.Ledger, records []chunk.Record) error {
	sources, err := loadBrief(briefFile)
	if err != nil {
		return err
	}

	for run.Plan != nil && run.Plan.NextStep() != nil {
		step := run.Plan.NextStep()
		res, err := e.ExecuteStep(ctx, run, ledger, engine.StepInput{
			Step:    step,
			Sources: sources,
			Records: records,
			Format:  "markdown",
		})
		if err != nil {
			return describeFailure("execute:"+step.ID, err)
		}
		if res.Parked {
			fmt.Printf("run %s parked: %s\nresume with: mopkit approve %s --as <name>\n",
				run.ID, run.ParkedReason, run.ID)
			return nil
		}
		status := "passed the gate"
		if res.Incomplete {
			status = "passed the gate (partial data were flagged)"
		}
		fmt.Printf("step %s %s (score %.2f)\n", step.ID, status, res.Evaluation.Weighted)
	}

	if err := e.Deliver(ctx, run, ledger); err != nil {
		return describeFailure("deliver", err)
	}
	snap := ledger.Snapshot()
	fmt.Printf("run %s completed: %d tokens, $%.4f, %s elapsed\n",
		run.ID, snap.ConsumedTokens, snap.ConsumedCost, snap.Elapsed.Round(time.Millisecond))
	return nil
}

func printPlan(run *workflow.Run) {
	if run.Plan == nil {
		return
	}
	fmt.Printf("\nplan: %s\n", run.Plan.Summary)
	for _, s := range run.Plan.Steps {
		done := " "
		if s.Completed {
			done = "x"
		}
		fmt.Printf("  [%s] %-12s %-18s ~%d tokens, ~$%.3f\n",
			done, s.ID, s.Kind, s.EstTokens, s.EstCostUSD)
	}
	fmt.Printf("  estimated total: %d tokens, $%.3f\n", run.Plan.EstTokens(), run.Plan.EstCostUSD())
}

func printBreakdown(label string, m map[string]telemetry.Counts) {
	if len(m) == 0 {
		return
	}
	fmt.Println(label + ":")
	for _, k := range sortedKeys(m) {
		c := m[k]
		fmt.Printf("  %-24s %10d tokens  $%.4f  (%d calls)\n", k, c.Total, c.CostUSD, c.Calls)
	}
}

// loadRecords reads bulk records from a CSV file. The first column is the
// record ID; remaining columns join into the content.
func loadRecords(path string) ([]chunk.Record, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse records file: %w", err)
	}

	records := make([]chunk.Record, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		id := row[0]
		if id == "" {
			id = fmt.Sprintf("row-%d", i)
		}
		records = append(records, chunk.Record{
			ID:      id,
			Content: strings.Join(row, ","),
		})
	}
	return records, nil
}

// loadBrief reads the always-on context source, if configured.
func loadBrief(path string) ([]assembler.Source, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read brief: %w", err)
	}
	return []assembler.Source{{ID: "brief", Content: string(raw), Mandatory: true}}, nil
}

// describeFailure prefixes an error with its taxonomy category so the
// operator knows whether to shrink the request, fix config or just retry.
func describeFailure(phase string, err error) error {
	return fmt.Errorf("%s failed (%s): %w", phase, engine.Classify(err), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
