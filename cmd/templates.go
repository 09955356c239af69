package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/cost-pipeline/internal/cost"
	"github.com/sells-group/cost-pipeline/internal/normalize"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/steps"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect pipeline templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded templates and their steps",
	Long:  "Loads and validates the configured template set the way serve does, without connecting to the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		norm := normalize.Default(cost.NewCalculator(cfg.Pricing))
		reg, err := initRegistry(cfg, steps.Table(steps.Deps{Normalizer: norm}), norm)
		if err != nil {
			return err
		}
		verbose, _ := cmd.Flags().GetBool("steps")
		formatTemplates(os.Stdout, reg.Templates(), verbose)
		return nil
	},
}

func init() {
	templatesListCmd.Flags().Bool("steps", false, "include each template's steps")
	templatesCmd.AddCommand(templatesListCmd)
	rootCmd.AddCommand(templatesCmd)
}

func formatTemplates(out io.Writer, templates []*pipeline.Template, withSteps bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TEMPLATE\tPROVIDER\tDOMAIN\tSTEPS")
	for _, t := range templates {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.ID, t.Provider, t.Domain, len(t.Steps))
		if !withSteps {
			continue
		}
		for i, s := range t.Steps {
			_, _ = fmt.Fprintf(w, "  %d. %s\t%s\ton_failure=%s\tattempts=%d timeout=%s\n",
				i+1, s.Name, s.Kind, s.OnFailure, s.MaxAttempts, s.Timeout)
		}
	}
	_ = w.Flush()
}
