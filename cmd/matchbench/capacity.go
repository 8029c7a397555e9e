package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/matchbench/internal/domain"
)

var capacityJSON bool

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Inspect or reset the supplier capacity ledger",
}

var capacityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every supplier's used and total capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signalContext()
		defer stop()

		records, err := e.rt.CapacitySnapshot(ctx)
		if err != nil {
			return err
		}
		return printCapacity(cmd.OutOrStdout(), records, capacityJSON)
	},
}

var capacityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rebuild the ledger from run.offers with nothing used",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signalContext()
		defer stop()

		records, err := e.rt.ResetCapacity(ctx)
		if err != nil {
			return err
		}
		return printCapacity(cmd.OutOrStdout(), records, capacityJSON)
	},
}

func init() {
	rootCmd.AddCommand(capacityCmd)
	capacityCmd.AddCommand(capacityShowCmd, capacityResetCmd)
	capacityCmd.PersistentFlags().BoolVar(&capacityJSON, "json", false, "Print records as JSON")
}

func printCapacity(w io.Writer, records []domain.CapacityRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SUPPLIER\tUSED\tCAPACITY\tUSED %\t")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t\n", r.SupplierID, r.Used, r.Capacity, r.UsedPct*100)
	}
	return tw.Flush()
}
