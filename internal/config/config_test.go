package config_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Shelf/internal/config"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
library:
  source: dir
  paths:
    - /srv/papers
  max_items: 50
  application: Shelf
  frame: true
scheduler:
  workers: 4
converter:
  path: /usr/bin/gs
cache:
  dir: /var/cache/shelf
  negative_ttl: 1h30m
metadata:
  store: redis
  redis_url: redis://localhost:6379/0
refresh:
  cron: "*/15 * * * *"
service:
  verbose: true
  log: /var/log/shelf.log
`
	cfg, err := config.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, config.SourceDir, cfg.Library.Source)
	require.Equal(t, []string{"/srv/papers"}, cfg.Library.Paths)
	require.Equal(t, 50, cfg.Library.MaxItems)
	require.Equal(t, 128, cfg.Library.IconSize)
	require.Equal(t, "Shelf", cfg.Library.Application)
	require.True(t, cfg.Library.Frame)
	require.Equal(t, 4, cfg.Scheduler.Workers)
	require.Equal(t, "/usr/bin/gs", cfg.Converter.Path)
	require.Equal(t, config.StoreRedis, cfg.Metadata.Store)
	require.Equal(t, "redis://localhost:6379/0", cfg.Metadata.RedisURL)
	require.NotNil(t, cfg.Refresh)
	require.Equal(t, "*/15 * * * *", cfg.Refresh.Cron)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, "/var/log/shelf.log", cfg.Service.Log)

	ttl, err := cfg.NegativeTTL()
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, ttl)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(t.Context()), *cfg)
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(config.DefaultConfig(t.Context())))

	cfg, err := config.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(t.Context()), *cfg)
}

func TestLoadConfigFail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "unknown field",
			given:    "version: 0\nlibrary:\n  colour: red\n",
			then:     "unknown_field",
		},
		{
			scenario: "bad source",
			given:    "version: 0\nlibrary:\n  source: ftp\n",
		},
		{
			scenario: "zero workers",
			given:    "version: 0\nscheduler:\n  workers: 0\n",
		},
		{
			scenario: "bad duration",
			given:    "version: 0\ncache:\n  negative_ttl: 10 minutes\n",
		},
		{
			scenario: "dir source without paths",
			given:    "version: 0\nlibrary:\n  source: dir\n",
		},
		{
			scenario: "redis without url",
			given:    "version: 0\nmetadata:\n  store: redis\n",
		},
		{
			scenario: "bad cron",
			given:    "version: 0\nrefresh:\n  cron: \"* * 32 * *\"\n",
		},
		{
			scenario: "cron and every",
			given:    "version: 0\nrefresh:\n  cron: \"@hourly\"\n  every: 1h\n",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := config.LoadConfig(strings.NewReader(tt.given))
			require.Error(t, err)
			if tt.then == "" {
				return
			}
			details := config.CueErrDetails(err)
			require.NotEmpty(t, details)
			var codes []string
			for _, d := range details {
				codes = append(codes, d.Code)
			}
			require.Contains(t, codes, tt.then)
		})
	}
}

func TestParseCueDuration(t *testing.T) {
	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{"1d", 24 * time.Hour, false},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second, false},
		{"90s", 90 * time.Second, false},
		{"10m", 10 * time.Minute, false},
		{"", 0, true},
		{"1h1d", 0, true},
		{"5 minutes", 0, true},
		{"999999999999d", 0, true},
	}

	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			d, err := config.ParseCueDuration(tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"five fields", "*/15 * * * *", ""},
		{"macro", "@hourly", ""},
		{"every", "@every 5m", ""},
		{"four fields", "* * * *", "expected exactly 5 fields, found 4: [* * * *]"},
		{"day of month out of range", "* * 32 * *", "end of range (32) above maximum (31): 32"},
		{"empty", " ", "empty cron expression"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			err := config.ParseCron(tt.given)
			if tt.then == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.then)
		})
	}
}
