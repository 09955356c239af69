package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cost-pipeline/internal/model"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and maintain the quota ledger",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show a tenant's usage against its limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		usage, err := initLedger(cfg, st).Usage(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "quota show")
		}
		formatUsage(os.Stdout, usage)
		return nil
	},
}

var quotaResetCmd = &cobra.Command{
	Use:       "reset <daily|monthly>",
	Short:     "Zero counters from earlier periods",
	Long:      "Runs the period reset the server schedules at UTC midnight. Counters of the current period are left alone.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"daily", "monthly"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ledger := initLedger(cfg, st)
		var n int64
		switch args[0] {
		case "daily":
			n, err = ledger.ResetDaily(ctx)
		case "monthly":
			n, err = ledger.ResetMonthly(ctx)
		default:
			return eris.Errorf("unknown period %q, want daily or monthly", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "reset %s counters of %d tenants\n", args[0], n)
		return nil
	},
}

var quotaSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release slots held by stale runs and fail those runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng, err := buildEngine(ctx, cfg, st)
		if err != nil {
			return err
		}
		n, err := eng.coordinator.SweepStale(ctx)
		if err != nil {
			return eris.Wrap(err, "quota sweep")
		}
		fmt.Fprintf(os.Stdout, "released %d stale slots\n", n)
		return nil
	},
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	quotaCmd.AddCommand(quotaSweepCmd)
	rootCmd.AddCommand(quotaCmd)
}

// formatUsage writes usage and limits side by side.
func formatUsage(out io.Writer, u model.Usage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tenant:\t%s\n", u.TenantID)
	_, _ = fmt.Fprintf(w, "Daily (%s):\t%d / %d\n", u.DayKey, u.DailyUsed, u.Limits.DailyMax)
	_, _ = fmt.Fprintf(w, "Monthly (%s):\t%d / %d\n", u.MonthKey, u.MonthlyUsed, u.Limits.MonthlyMax)
	_, _ = fmt.Fprintf(w, "Running:\t%d / %d\n", u.Running, u.Limits.ConcurrentMax)
	_ = w.Flush()
}
