package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/workflow"
)

var (
	runRequest    runs.Request
	resetCapacity bool
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one benchmark batch",
	Long: `Run processes the configured registrations through the selected
constellation and writes matches, purchase orders and the timing report.
Failures of individual registrations are part of the summary; the command
fails only for configuration errors, I/O failures or an interrupted run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		if resetCapacity {
			e.cfg.Run.ResetCapacity = true
		}

		ctx, stop := signalContext()
		defer stop()

		runID := uuid.NewString()
		sum, err := e.rt.Run(ctx, runID, runRequest)
		if sum != nil {
			if perr := printSummary(cmd.OutOrStdout(), sum, runJSON); perr != nil {
				e.logger.Error("failed to print summary", slog.String("error", perr.Error()))
			}
		}
		if err != nil {
			return fmt.Errorf("run %s: %w", runID, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runRequest.Scenario, "scenario", "", "Scenario file selecting inputs and outputs")
	f.StringVar(&runRequest.Registrations, "registrations", "", "Registrations JSON (overrides run.registrations)")
	f.StringVar(&runRequest.Offers, "offers", "", "Supplier offers JSON (overrides run.offers)")
	f.StringVar(&runRequest.Incentives, "incentives", "", "Incentives JSON (overrides run.incentives)")
	f.IntVar(&runRequest.MaxItems, "max-items", 0, "Process at most this many registrations")
	f.BoolVar(&resetCapacity, "reset-capacity", false, "Reset supplier capacity from the offers before running")
	f.BoolVar(&runJSON, "json", false, "Print the summary as JSON")
}

func printSummary(w io.Writer, sum *workflow.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(w, "\n=== Run %s (%s) ===\n", sum.RunID, sum.Constellation)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGISTRATION\tSTATUS\tSUPPLIER\tFINAL PRICE\tREASON")
	for _, o := range sum.Outcomes {
		supplier, price := "-", "-"
		if o.Match != nil && o.Match.SupplierID != "" {
			supplier = o.Match.SupplierID
		}
		if o.Order != nil {
			price = fmt.Sprintf("%.2f", o.Order.FinalPrice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.RegistrationID, o.Status, supplier, price, o.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	for _, s := range workflow.Statuses {
		fmt.Fprintf(w, "%-12s %d\n", s, sum.Counts[s])
	}
	fmt.Fprintf(w, "%-12s %d\n", "degraded", sum.Degraded)
	fmt.Fprintf(w, "%-12s %s\n", "elapsed", sum.Elapsed.Round(time.Millisecond))
	if sum.Cancelled {
		_, err := fmt.Fprintln(w, "run was cancelled before every registration was processed")
		return err
	}
	return nil
}
