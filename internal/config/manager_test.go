package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/eventbus"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  poll_interval: 100ms
  timezone: UTC
  shutdown_timeout: 10s
dispatcher:
  timeout: 30s
  overlap: skip
writer:
  queue_size: 64
  sinks: [log, bus]
storage:
  driver: memory
http:
  enabled: true
  addr: 127.0.0.1:9180
plugins:
  heartbeat:
    enabled: true
    config:
      interval: 30s
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "warden.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "100ms", cfg.Scheduler.PollInterval)
	assert.Equal(t, "skip", cfg.Dispatcher.Overlap)
	assert.Equal(t, []string{"log", "bus"}, cfg.Writer.Sinks)
	require.Contains(t, cfg.Plugins, "heartbeat")
	assert.True(t, cfg.Plugins["heartbeat"].Enabled)
	assert.JSONEq(t, `{"interval":"30s"}`, string(cfg.Plugins["heartbeat"].Config))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown top-level key", "c.json", `{"telegram":{}}`},
		{"unknown plugin key", "c.json", `{"plugins":{"x":{"enabled":true,"timeout":"1s"}}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.file, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestEmptyYAMLIsZeroConfig(t *testing.T) {
	cfg, err := ParseBytes("c.yaml", nil)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad duration", func(c *Config) { c.Scheduler.PollInterval = "soon" }, "scheduler.poll_interval"},
		{"negative duration", func(c *Config) { c.Dispatcher.Timeout = "-1s" }, "dispatcher.timeout"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"overlap", func(c *Config) { c.Dispatcher.Overlap = "queue" }, "dispatcher.overlap"},
		{"sink", func(c *Config) { c.Writer.Sinks = []string{"telegram"} }, "writer.sinks"},
		{"driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"public http", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:9180"} }, "http.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	ok := &Config{HTTP: HTTPConfig{Enabled: true, Addr: "0.0.0.0:9180", Token: "s3cret"}}
	assert.NoError(t, Validate(ok))
	ok.HTTP = HTTPConfig{Enabled: true, Addr: ":9180", AllowInsecure: true}
	assert.NoError(t, Validate(ok))
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, IsLoopbackHost("127.0.0.1"))
	assert.True(t, IsLoopbackHost("[::1]"))
	assert.True(t, IsLoopbackHost("localhost"))
	assert.False(t, IsLoopbackHost(""))
	assert.False(t, IsLoopbackHost("10.0.0.1"))
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	m.publish(a) // no subscribers left
}

func TestWatchReloadsAndRejects(t *testing.T) {
	old := DebounceDelay
	DebounceDelay = 20 * time.Millisecond
	t.Cleanup(func() { DebounceDelay = old })

	dir := t.TempDir()
	p := writeFile(t, dir, "warden.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "config.")
	defer unsub()
	m.SetBus(bus)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond) // let the watcher attach

	writeFile(t, dir, "warden.json", `{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-updates:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	writeFile(t, dir, "warden.json", `{"storage":{"driver":"redis"}}`)
	deadline := time.After(3 * time.Second)
	for rejected := false; !rejected; {
		select {
		case ev := <-events:
			rejected = ev.Type == eventbus.ConfigRejected
		case <-deadline:
			t.Fatal("invalid config was not rejected")
		}
	}
	assert.Equal(t, "debug", m.Get().Logging.Level, "rejected config is not committed")

	cancel()
	<-done
}

func TestDeepMerge(t *testing.T) {
	base := json.RawMessage(`{"interval":"30s","paths":["/etc"],"limits":{"max":5,"window":"1m"}}`)
	over := json.RawMessage(`{"paths":["/var/log"],"limits":{"max":9}}`)
	out, err := DeepMerge(base, over)
	require.NoError(t, err)
	assert.JSONEq(t, `{"interval":"30s","paths":["/var/log"],"limits":{"max":9,"window":"1m"}}`, string(out))

	out, err = DeepMerge(nil, over)
	require.NoError(t, err)
	assert.JSONEq(t, string(over), string(out))
	out, err = DeepMerge(base, nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(base), string(out))

	_, err = DeepMerge(base, json.RawMessage(`{`))
	assert.Error(t, err)
	_, err = DeepMerge(base, json.RawMessage(`["not","an","object"]`))
	assert.Error(t, err)
}

func TestDeepMergeOverridesZeroValues(t *testing.T) {
	base := json.RawMessage(`{"watchdog":true,"threshold":5,"set":"blocklist","paths":["/etc"],"t":{"task":"20s","op":"5s"},"keep":1}`)
	over := json.RawMessage(`{"watchdog":false,"threshold":0,"set":"","paths":[],"t":{"op":"1s","extra":{"a":1}},"gone":null}`)
	out, err := DeepMerge(base, over)
	require.NoError(t, err)
	assert.JSONEq(t, `{"watchdog":false,"threshold":0,"set":"","paths":[],"t":{"task":"20s","op":"1s","extra":{"a":1}},"keep":1,"gone":null}`, string(out))

	out, err = DeepMerge(base, json.RawMessage(`null`))
	require.NoError(t, err)
	assert.JSONEq(t, string(base), string(out))
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{
		HTTP:    HTTPConfig{Enabled: true, Token: "one"},
		Plugins: map[string]PluginConfigRaw{"heartbeat": {Enabled: true, Config: json.RawMessage(`{"a":1,"b":2}`)}},
	}
	b := &Config{
		HTTP: HTTPConfig{Enabled: true, Token: "two"},
		Plugins: map[string]PluginConfigRaw{
			"heartbeat": {Enabled: true, Config: json.RawMessage(`{ "b":2, "a":1 }`)},
			"authlog":   {Enabled: true},
		},
		Logging: LoggingConfig{Level: "debug"},
	}
	changed, attrs, plugins := SummarizeConfigChange(a, b)
	assert.ElementsMatch(t, []string{"logging", "http", "plugins"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"authlog"}, plugins, "key order is not a change")
}
