package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run in the foreground",
	Long:  "Admits a run against the tenant's quota and executes it to completion. The range defaults to the previous UTC day.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		req, err := runRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng, err := buildEngine(ctx, cfg, st)
		if err != nil {
			return err
		}

		run, err := eng.coordinator.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}

		if run.Status != model.RunStatusCompleted {
			zap.L().Error("run failed", zap.String("run_id", run.ID), zap.String("error", run.ErrorSummary))
			return eris.Errorf("run %s finished %s", run.ID, run.Status)
		}
		return nil
	},
}

func runRequestFromFlags(cmd *cobra.Command) (coordinator.StartRequest, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	provider, _ := cmd.Flags().GetString("provider")
	domain, _ := cmd.Flags().GetString("domain")
	name, _ := cmd.Flags().GetString("pipeline")
	cred, _ := cmd.Flags().GetString("credential")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")

	req := coordinator.StartRequest{
		TenantID:      tenant,
		Provider:      provider,
		Domain:        model.Capability(domain),
		Pipeline:      name,
		CredentialRef: cred,
		Trigger:       model.TriggerCLI,
	}
	switch {
	case start != "":
		rng, err := model.NewDateRange(start, end)
		if err != nil {
			return req, err
		}
		req.Range = rng
	case end != "":
		return req, eris.New("--end requires --start")
	}
	return req, nil
}

func init() {
	runCmd.Flags().String("tenant", "", "tenant ID (required)")
	runCmd.Flags().String("provider", "", "provider key, e.g. gcp (required)")
	runCmd.Flags().String("domain", "", "capability domain, e.g. cloud (required)")
	runCmd.Flags().String("pipeline", "", "template name (default: the pair's default template)")
	runCmd.Flags().String("credential", "", "credential reference")
	runCmd.Flags().String("start", "", "first date, YYYY-MM-DD (default: yesterday UTC)")
	runCmd.Flags().String("end", "", "last date, YYYY-MM-DD (default: start)")
	_ = runCmd.MarkFlagRequired("tenant")
	_ = runCmd.MarkFlagRequired("provider")
	_ = runCmd.MarkFlagRequired("domain")
	rootCmd.AddCommand(runCmd)
}
