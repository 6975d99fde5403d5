package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:9871", cfg.Addr())
	assert.Equal(t, 30.0, cfg.MaxUptime)
	assert.Equal(t, "+10", cfg.ShutdownTime)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebootd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9999
max_uptime: 14.5
days_allowed: mon-fri
times_allowed: "02:00-04:00"
recovery_timeout: 1h
secret: file:/etc/rebootd/secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 14.5, cfg.MaxUptime)
	assert.Equal(t, "mon-fri", cfg.DaysAllowed)
	assert.Equal(t, "02:00-04:00", cfg.TimesAllowed)
	assert.Equal(t, time.Hour, cfg.RecoveryTimeout)
	assert.Equal(t, "file:/etc/rebootd/secret", cfg.Secret)
	assert.Equal(t, "+10", cfg.ShutdownTime, "unset keys keep their defaults")
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebootd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_uptim: 3\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REBOOTD_PORT":            "10000",
		"REBOOTD_MAX_UPTIME":      "7",
		"REBOOTD_DRY_RUN":         "true",
		"REBOOTD_DRY_RUN_PRETEND": "ceph1=40",
		"REBOOTD_LOOP_INTERVAL":   "1m",
		"REBOOTD_SHUTDOWN_TIME":   "now",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 10000, cfg.Port)
	assert.Equal(t, 7.0, cfg.MaxUptime)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "ceph1=40", cfg.DryRunPretend)
	assert.Equal(t, time.Minute, cfg.LoopInterval)
	assert.Equal(t, "now", cfg.ShutdownTime)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvAggregatesErrors(t *testing.T) {
	env := map[string]string{
		"REBOOTD_PORT":          "http",
		"REBOOTD_DRY_RUN":       "maybe",
		"REBOOTD_LOOP_INTERVAL": "10",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
	assert.Contains(t, err.Error(), "REBOOTD_PORT")
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.MaxUptime = -1
	cfg.ShutdownTime = "later"
	cfg.DaysAllowed = "funday"
	cfg.Secret = "vault:x"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.GreaterOrEqual(t, len(merr.Errors), 6)
	for _, want := range []string{"port", "max_uptime", "shutdown_time", "funday", "secret", "log_format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidatePretendRequiresDryRun(t *testing.T) {
	cfg := Default()
	cfg.DryRunPretend = "ceph1=40"
	assert.ErrorContains(t, cfg.Validate(), "requires dry_run")

	cfg.DryRun = true
	assert.NoError(t, cfg.Validate())

	cfg.DryRunPretend = "ceph1"
	assert.ErrorContains(t, cfg.Validate(), "dry_run_pretend")
}

func TestLogSinks(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"console"}, cfg.LogSinks())

	cfg.Logging = "console, syslog"
	assert.Equal(t, []string{"console", "syslog"}, cfg.LogSinks())
	assert.NoError(t, cfg.Validate())

	cfg.Logging = "console,journald"
	assert.ErrorContains(t, cfg.Validate(), `unrecognized logging method "journald"`)

	cfg.Logging = " , "
	assert.ErrorContains(t, cfg.Validate(), "at least one")
}

func TestRebootWait(t *testing.T) {
	tests := []struct {
		when string
		want time.Duration
	}{
		{"now", 5 * time.Second},
		{"+10", 10*time.Minute + 5*time.Second},
		{"+0", 5 * time.Second},
		{"23:30", 30 * time.Second},
		{"garbage", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.when, func(t *testing.T) {
			cfg := Default()
			cfg.ShutdownTime = tt.when
			assert.Equal(t, tt.want, cfg.RebootWait())
		})
	}
}

func TestWindowAndPretend(t *testing.T) {
	cfg := Default()
	w, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, "mon-thurs 10:00-16:00", w.String())

	cfg.DryRunPretend = "a=1,b=2.5"
	p, err := cfg.Pretend()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1, "b": 2.5}, p)
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.DryRun = true
	cfg.DryRunPretend = "a=40"
	s := cfg.String()
	assert.Contains(t, s, "listen=0.0.0.0:9871")
	assert.Contains(t, s, "dry_run pretend=a=40")
}
