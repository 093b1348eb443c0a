package config

import (
	"testing"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func parsedDefaults(t *testing.T) *Config {
	t.Helper()
	var cfg = new(Config)
	var _, err = flags.NewParser(cfg, flags.None).ParseArgs(nil)
	require.NoError(t, err)
	return cfg
}

func validConfig(t *testing.T) *Config {
	var cfg = parsedDefaults(t)
	cfg.Source.Server = "db.clinic.local"
	cfg.Source.Database = "clinic"
	cfg.CRM.WebhookURL = "https://portal.example/rest/1/token"
	return cfg
}

func TestDefaults(t *testing.T) {
	var cfg = parsedDefaults(t)

	require.Equal(t, 1433, cfg.Source.Port)
	require.Equal(t, 3, cfg.CRM.MaxRetries)
	require.Equal(t, 2.0, cfg.CRM.RateLimit)
	require.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	require.Equal(t, 20, cfg.Sync.BatchSize)
	require.Equal(t, 7, cfg.Sync.InitialSyncDays)
	require.Equal(t, 1000, cfg.Queue.MaxQueueSize)
	require.Equal(t, 30*time.Minute, cfg.Plans.Throttle)
	require.Equal(t, "WON", cfg.Stages.Won)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateAcceptsFilledConfig(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())
}

func TestValidateRejections(t *testing.T) {
	var cases = []struct {
		name  string
		mutate func(*Config)
	}{
		{"missing server", func(c *Config) { c.Source.Server = "" }},
		{"missing database", func(c *Config) { c.Source.Database = "" }},
		{"webhook not http", func(c *Config) { c.CRM.WebhookURL = "ftp://x" }},
		{"webhook empty", func(c *Config) { c.CRM.WebhookURL = "" }},
		{"zero rate limit", func(c *Config) { c.CRM.RateLimit = 0 }},
		{"bad retry delays", func(c *Config) { c.CRM.RetryDelays = "1,fast" }},
		{"batch too large", func(c *Config) { c.Sync.BatchSize = 51 }},
		{"batch too small", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"filial out of range", func(c *Config) { c.Sync.FilialID = 6 }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"empty stage id", func(c *Config) { c.Stages.Treatment = "" }},
		{"queue cap zero", func(c *Config) { c.Queue.MaxQueueSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg = validConfig(t)
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRetryDelaysList(t *testing.T) {
	var crm = CRM{RetryDelays: "1, 5,30"}
	delays, err := crm.RetryDelaysList()
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, delays)

	crm.RetryDelays = "0.5"
	delays, err = crm.RetryDelaysList()
	require.NoError(t, err)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, delays)

	for _, bad := range []string{"", "-1", "1;5", "soon"} {
		crm.RetryDelays = bad
		var _, err = crm.RetryDelaysList()
		require.Error(t, err, "delays=%q", bad)
	}
}

func TestStageCSVSets(t *testing.T) {
	var s = Stages{Protected: "A, B ,,C", LeadFinal: ""}
	require.Equal(t, []string{"A", "B", "C"}, s.ProtectedStages())
	require.Empty(t, s.LeadFinalStatuses())
}
