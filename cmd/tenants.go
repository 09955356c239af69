package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cost-pipeline/internal/api"
	"github.com/sells-group/cost-pipeline/internal/model"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants and their plan limits",
}

var tenantsAddCmd = &cobra.Command{
	Use:   "add <tenant-id>",
	Short: "Create a tenant and print its API key",
	Long:  "Creates a tenant and prints a new API key once. Only the key's hash is stored.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := model.ValidateTenantID(args[0]); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		key, err := newAPIKey()
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		limits, err := limitsFromFlags(cmd)
		if err != nil {
			return err
		}

		t := &model.Tenant{
			ID:         args[0],
			Name:       name,
			APIKeyHash: api.HashAPIKey(key),
			Limits:     limits,
			CreatedAt:  time.Now().UTC(),
		}
		if err := st.CreateTenant(ctx, t); err != nil {
			return eris.Wrap(err, "tenants add")
		}

		fmt.Fprintf(os.Stdout, "tenant %s created\napi key: %s\n", t.ID, key)
		return nil
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenants, err := st.ListTenants(ctx)
		if err != nil {
			return eris.Wrap(err, "tenants list")
		}
		if len(tenants) == 0 {
			fmt.Fprintln(os.Stderr, "No tenants found.")
			return nil
		}
		formatTenants(os.Stdout, tenants, cfg.Quota.Limits())
		return nil
	},
}

var tenantsLimitsCmd = &cobra.Command{
	Use:   "limits <tenant-id>",
	Short: "Set a tenant's plan limits",
	Long:  "Replaces the tenant's limits. Limits left at 0 fall back to the configured defaults.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limits, err := limitsFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := st.UpdateTenantLimits(ctx, args[0], limits); err != nil {
			return eris.Wrap(err, "tenants limits")
		}
		fmt.Fprintf(os.Stdout, "limits of %s updated\n", args[0])
		return nil
	},
}

func init() {
	tenantsAddCmd.Flags().String("name", "", "display name")
	for _, c := range []*cobra.Command{tenantsAddCmd, tenantsLimitsCmd} {
		c.Flags().Int("daily-max", 0, "runs admitted per UTC day (0: configured default)")
		c.Flags().Int("monthly-max", 0, "runs admitted per UTC month (0: configured default)")
		c.Flags().Int("concurrent-max", 0, "runs holding a slot at once (0: configured default)")
	}

	tenantsCmd.AddCommand(tenantsAddCmd)
	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsLimitsCmd)
	rootCmd.AddCommand(tenantsCmd)
}

func limitsFromFlags(cmd *cobra.Command) (model.Limits, error) {
	var l model.Limits
	l.DailyMax, _ = cmd.Flags().GetInt("daily-max")
	l.MonthlyMax, _ = cmd.Flags().GetInt("monthly-max")
	l.ConcurrentMax, _ = cmd.Flags().GetInt("concurrent-max")
	if l.DailyMax < 0 || l.MonthlyMax < 0 || l.ConcurrentMax < 0 {
		return l, eris.New("limits must be >= 0")
	}
	return l, nil
}

// newAPIKey returns a random key with a recognizable prefix.
func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", eris.Wrap(err, "generate api key")
	}
	return "cpk_" + hex.EncodeToString(b), nil
}

// formatTenants lists tenants with their effective limits.
func formatTenants(out io.Writer, tenants []model.Tenant, defaults model.Limits) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDAILY\tMONTHLY\tCONCURRENT\tCREATED")
	for _, t := range tenants {
		l := t.Limits.Merge(defaults)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			t.ID, t.Name, l.DailyMax, l.MonthlyMax, l.ConcurrentMax, t.CreatedAt.Format("2006-01-02"))
	}
	_ = w.Flush()
}
