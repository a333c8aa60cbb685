package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  format: json
storage:
  driver: sqlite
  path: ./data/taskpulse.db
broker:
  driver: kafka
  brokers: ["localhost:9092"]
reconciler:
  schedule: 60s
  initial_delay: 10s
users:
  driver: http
  base_url: http://users.local
  token: ${TASKPULSE_TEST_USERS_TOKEN}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("TASKPULSE_TEST_USERS_TOKEN", "s3cret")
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "s3cret", cfg.Users.Token)
	assert.Same(t, cfg, m.Get())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"}}{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "memory"},
			Broker:  BrokerConfig{Driver: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "minimal ok", mutate: func(*Config) {}},
		{name: "unknown storage driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "kafka needs brokers", mutate: func(c *Config) { c.Broker.Driver = "kafka" }, wantErr: "broker.brokers"},
		{name: "bad duration", mutate: func(c *Config) { c.Publisher.Timeout = "soon" }, wantErr: "publisher.timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Reconciler.InitialDelay = "-1s" }, wantErr: "reconciler.initial_delay"},
		{name: "bad timezone", mutate: func(c *Config) { c.App.Timezone = "Mars/Olympus" }, wantErr: "app.timezone"},
		{name: "bad role", mutate: func(c *Config) { c.App.Roles = []string{"web"} }, wantErr: "app.roles"},
		{name: "telegram needs token", mutate: func(c *Config) { c.Telegram.Enabled = true }, wantErr: "telegram.token"},
		{name: "http users need url", mutate: func(c *Config) { c.Users.Driver = "http"; c.Users.BaseURL = "users" }, wantErr: "users.base_url"},
		{name: "email needs from", mutate: func(c *Config) { c.Email.Enabled = true; c.Email.Host = "smtp" }, wantErr: "email.from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "1m", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationOrDefault("x.y", "abc", 0)
	require.ErrorContains(t, err, "x.y")
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Driver: "memory"}}
	newCfg := &Config{
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://u:p@h/db"},
		Logging: LoggingConfig{Level: "debug"},
	}
	changed, fields, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "storage"}, changed)
	assert.Equal(t, []string{"storage"}, restart)
	assert.NotEmpty(t, fields)
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"storage":{"driver":"memory"},"broker":{"driver":"memory"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// give the watcher time to register the directory
	time.Sleep(200 * time.Millisecond)
	body := `{"storage":{"driver":"memory"},"broker":{"driver":"memory"},"logging":{"level":"debug"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}

func TestExpandEnvLeavesBareDollar(t *testing.T) {
	t.Setenv("TP_X", "v")
	got := string(expandEnv([]byte("a=${TP_X} b=$TP_X c=${")))
	assert.True(t, strings.HasPrefix(got, "a=v b=$TP_X"))
}
