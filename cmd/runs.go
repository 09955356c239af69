package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and failing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's runs, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenant, _ := cmd.Flags().GetString("tenant")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		q := model.RunQuery{
			TenantID: tenant,
			Status:   model.RunStatus(status),
			Limit:    store.HistoryLimit(limit),
		}
		if since > 0 {
			q.CreatedAfter = time.Now().Add(-since)
		}

		runs, err := st.ListRuns(ctx, q)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its transition log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		transitions, err := st.ListTransitions(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.PipelineRun
			Transitions []model.Transition `json:"transitions"`
		}{run, transitions})
	},
}

// -- runs steps --

var runsStepsCmd = &cobra.Command{
	Use:   "steps <run-id>",
	Short: "Show the step records of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		steps, err := st.ListSteps(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs steps")
		}
		formatSteps(os.Stdout, steps)
		return nil
	},
}

// -- runs fail --

var runsFailCmd = &cobra.Command{
	Use:   "fail <run-id>",
	Short: "Force a stuck run to failed and release its quota slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		reason, _ := cmd.Flags().GetString("reason")
		run, err := eng.coordinator.ForceFail(ctx, "", args[0], reason)
		if err != nil {
			return eris.Wrap(err, "runs fail")
		}
		fmt.Fprintf(os.Stdout, "run %s marked %s\n", run.ID, run.Status)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("tenant", "", "filter by tenant ID")
	runsListCmd.Flags().String("status", "", "filter by run status (pending, validating, running, completed, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Duration("since", 0, "only runs created within this window (e.g. 24h)")

	runsFailCmd.Flags().String("reason", "failed by operator", "reason recorded on the run")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStepsCmd)
	runsCmd.AddCommand(runsFailCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTENANT\tTEMPLATE\tRANGE\tSTATUS\tROWS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t-----\t------\t----\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.StartedAt != nil && r.EndedAt != nil {
			dur = r.EndedAt.Sub(*r.StartedAt).Round(time.Second).String()
		}
		status := string(r.Status)
		if r.ErrorClass != "" {
			status += " (" + r.ErrorClass + ")"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.TenantID,
			r.TemplateID,
			r.Range,
			status,
			r.RowsWritten,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatSteps writes a run's step records to out in execution order.
func formatSteps(out io.Writer, steps []model.StepExecution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tSTEP\tKIND\tPOLICY\tSTATUS\tATTEMPTS\tROWS\tERROR")
	for _, s := range steps {
		errMsg := s.LastError
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			s.Order, s.Name, s.Kind, s.OnFailure, s.Status,
			s.Attempts, s.MaxAttempts, s.RowCount, errMsg,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
