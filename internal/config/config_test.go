package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
timezone: Europe/Berlin
scheduler:
  delivery_concurrency: 8
  send_timeout: 5s
storage:
  driver: sqlite
  path: ./data/reminders.db
channels:
  telegram:
    enabled: true
    token: "123:abc"
    owner_user_ids: [42]
  console:
    enabled: true
renderer:
  provider: ollama
  timeout: 15s
  ollama:
    model: llama3
logging:
  level: info
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.True(t, cfg.Scheduler.IsEnabled())
	assert.Equal(t, 8, cfg.Scheduler.DeliveryConcurrency)
	assert.Equal(t, []int64{42}, cfg.Channels.Telegram.OwnerUserIDs)
	assert.Equal(t, "telegram", cfg.Channels.ActiveChannel())
	assert.Equal(t, []string{"telegram", "console"}, cfg.Channels.EnabledNames())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"timezone":"UTC","bogus":1}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"timezone":"UTC"}{"timezone":"UTC"}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestParseYAMLDocuments(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", "timezone: UTC\n---\ntimezone: Asia/Tokyo\n"))
	_, err := m.Parse()
	require.ErrorContains(t, err, "only one document allowed")

	m = NewConfigManager(writeFile(t, "config.yml", ""))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Empty(t, cfg.Timezone)

	m = NewConfigManager(writeFile(t, "config.toml", "timezone = 'UTC'"))
	_, err = m.Parse()
	require.ErrorContains(t, err, "unsupported format")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REMINDERBOT_CHANNELS__TELEGRAM__TOKEN", "from-env")
	t.Setenv("REMINDERBOT_SCHEDULER__DELIVERY_CONCURRENCY", "3")
	t.Setenv("REMINDERBOT_TIMEZONE", "UTC")

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Channels.Telegram.Token)
	assert.Equal(t, 3, cfg.Scheduler.DeliveryConcurrency)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "ollama", cfg.Renderer.Provider)
}

func TestDefaultTimezone(t *testing.T) {
	cfg := &Config{}
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, loc.String())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Channels: ChannelsConfig{Console: ConsoleConfig{Enabled: true}}}
	}
	require.NoError(t, Validate(base()))

	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad zone", func(c *Config) { c.Timezone = "Mars/Base" }, "timezone"},
		{"no channels", func(c *Config) { c.Channels.Console.Enabled = false }, "at least one channel"},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, "telegram.token"},
		{"active not enabled", func(c *Config) { c.Channels.Active = "discord" }, "channels.active"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"firestore without project", func(c *Config) { c.Storage.Driver = "firestore" }, "project_id"},
		{"bad provider", func(c *Config) { c.Renderer.Provider = "gpt" }, "renderer.provider"},
		{"bad duration", func(c *Config) { c.Scheduler.SendTimeout = "soon" }, "send_timeout"},
		{"negative duration", func(c *Config) { c.Renderer.Timeout = "-1s" }, "renderer.timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"chat without recipient", func(c *Config) { c.Logging.Chat.Enabled = true }, "recipient"},
		{"public ops without token", func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:8089"} }, "not loopback"},
		{"mqtt qos", func(c *Config) { c.Channels.MQTT = MQTTConfig{Enabled: true, Broker: "tcp://x:1883", QoS: 3} }, "qos"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mut(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	c := base()
	c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:8089", Token: "s3cret"}
	require.NoError(t, Validate(c))
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, 7*time.Second, DurationOr("", 7*time.Second))
	assert.Equal(t, 7*time.Second, DurationOr("nope", 7*time.Second))
	assert.Equal(t, 2*time.Minute, DurationOr("2m", 7*time.Second))
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Channels: ChannelsConfig{Telegram: TelegramConfig{Enabled: true, Token: "a"}},
		Logging:  LoggingConfig{Level: "info"},
	}
	newCfg := &Config{
		Channels: ChannelsConfig{Telegram: TelegramConfig{Enabled: true, Token: "a"}, RatePerSec: 5},
		Logging:  LoggingConfig{Level: "debug"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"channels", "logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Empty(t, restart)

	newCfg.Channels.Telegram.Token = "b"
	newCfg.Storage.Driver = "file"
	_, _, restart = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "channels"}, restart)
}

func TestWatchPublishesValidReload(t *testing.T) {
	path := writeFile(t, "config.json", `{"timezone":"UTC","channels":{"console":{"enabled":true}}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// invalid content is rejected and never published
	require.NoError(t, os.WriteFile(path, []byte(`{"timezone":"UTC"}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.Len(t, ch, 0)

	require.NoError(t, os.WriteFile(path, []byte(`{"timezone":"Asia/Tokyo","channels":{"console":{"enabled":true}}}`), 0o600))
	select {
	case cfg := <-ch:
		assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
		assert.Equal(t, "Asia/Tokyo", m.Get().Timezone)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	cancel()
	<-done
}
