package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage sealed provider credentials",
}

var credentialsPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Seal and store a tenant credential",
	Long: `Seals a provider secret under (tenant, ref), replacing any previous value.
Pass the secret as --secret key=value pairs or as a JSON object with --secret-file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("credentials"); err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		provider, _ := cmd.Flags().GetString("provider")
		ref, _ := cmd.Flags().GetString("ref")
		pairs, _ := cmd.Flags().GetStringToString("secret")
		file, _ := cmd.Flags().GetString("secret-file")

		secret, err := readSecret(pairs, file)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		resolver, err := initResolver(cfg, st)
		if err != nil {
			return err
		}
		if err := resolver.Put(ctx, tenant, provider, ref, secret); err != nil {
			return eris.Wrap(err, "credentials put")
		}
		fmt.Fprintf(os.Stdout, "credential %s stored for %s (%s)\n", ref, tenant, provider)
		return nil
	},
}

func init() {
	credentialsPutCmd.Flags().String("tenant", "", "tenant ID (required)")
	credentialsPutCmd.Flags().String("provider", "", "provider the credential authenticates against (required)")
	credentialsPutCmd.Flags().String("ref", "", "credential reference runs will name (required)")
	credentialsPutCmd.Flags().StringToString("secret", nil, "secret fields as key=value")
	credentialsPutCmd.Flags().String("secret-file", "", "JSON object of secret fields")
	_ = credentialsPutCmd.MarkFlagRequired("tenant")
	_ = credentialsPutCmd.MarkFlagRequired("provider")
	_ = credentialsPutCmd.MarkFlagRequired("ref")

	credentialsCmd.AddCommand(credentialsPutCmd)
	rootCmd.AddCommand(credentialsCmd)
}

// readSecret merges the file's fields with the flag pairs. Flag pairs win.
func readSecret(pairs map[string]string, file string) (map[string]string, error) {
	secret := make(map[string]string)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrap(err, "read secret file")
		}
		if err := json.Unmarshal(data, &secret); err != nil {
			return nil, eris.Wrap(err, "secret file must be a JSON object of strings")
		}
	}
	for k, v := range pairs {
		secret[k] = v
	}
	if len(secret) == 0 {
		return nil, eris.New("no secret given: use --secret or --secret-file")
	}
	return secret, nil
}
