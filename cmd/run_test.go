package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// newRunFlags returns a fresh command carrying run's flags.
func newRunFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	for _, name := range []string{"tenant", "provider", "domain", "pipeline", "credential", "start", "end"} {
		cmd.Flags().String(name, "", "")
	}
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestRunRequestFromFlags(t *testing.T) {
	cmd := newRunFlags(t, "--tenant", "acme", "--provider", "gcp", "--domain", "cloud",
		"--credential", "main", "--start", "2026-01-01", "--end", "2026-01-07")

	req, err := runRequestFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, model.CapabilityCloud, req.Domain)
	assert.Equal(t, "main", req.CredentialRef)
	assert.Equal(t, model.TriggerCLI, req.Trigger)
	assert.Equal(t, 7, req.Range.Len())
}

func TestRunRequestFromFlags_DefaultRange(t *testing.T) {
	req, err := runRequestFromFlags(newRunFlags(t, "--tenant", "acme", "--provider", "gcp", "--domain", "cloud"))
	require.NoError(t, err)
	assert.True(t, req.Range.IsZero())
}

func TestRunRequestFromFlags_BadRange(t *testing.T) {
	_, err := runRequestFromFlags(newRunFlags(t, "--start", "2026-01-07", "--end", "2026-01-01"))
	assert.ErrorIs(t, err, model.ErrInvalidDateRange)

	_, err = runRequestFromFlags(newRunFlags(t, "--end", "2026-01-01"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--end requires --start")
}

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_key":"from-file","account_id":"123"}`), 0600))

	secret, err := readSecret(map[string]string{"api_key": "from-flag"}, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "from-flag", "account_id": "123"}, secret)

	_, err = readSecret(nil, "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"api_key": 5}`), 0600))
	_, err = readSecret(nil, bad)
	assert.Error(t, err)
}

func TestNewAPIKey(t *testing.T) {
	a, err := newAPIKey()
	require.NoError(t, err)
	b, err := newAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "cpk_"))
	assert.Len(t, a, 4+48)
	assert.NotEqual(t, a, b)
}

func TestLimitsFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Int("daily-max", 0, "")
	cmd.Flags().Int("monthly-max", 0, "")
	cmd.Flags().Int("concurrent-max", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--daily-max", "10", "--concurrent-max", "3"}))

	l, err := limitsFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, model.Limits{DailyMax: 10, ConcurrentMax: 3}, l)

	require.NoError(t, cmd.ParseFlags([]string{"--monthly-max", "-1"}))
	_, err = limitsFromFlags(cmd)
	assert.Error(t, err)
}
