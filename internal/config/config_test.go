package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, env := range envKeys {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "reports", cfg.Reports.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "last_month", cfg.Carryover.DateFilter)
	assert.Empty(t, cfg.Carryover.Schedule)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "reports.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
reports:
  dir: /srv/reports
carryover:
  schedule: "0 2 1 * *"
  reports: [tax_report]
`), 0o600))
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CARRYOVER_REPORTS", "")
	os.Unsetenv("CARRYOVER_REPORTS")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "/srv/reports", cfg.Reports.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "0 2 1 * *", cfg.Carryover.Schedule)
	assert.Equal(t, []string{"tax_report"}, cfg.Carryover.ReportCodes)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := Logging{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	_, err = Logging{Level: "loud"}.NewLogger()
	require.Error(t, err)
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
