package config

import (
	"reflect"
	"strings"

	logx "taskpulse/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"reconciler": true,
	"dispatcher": true,
}

// SummarizeConfigChange returns the changed top-level sections, log fields
// describing them (secrets are reported only as *_set booleans), and the subset
// of changed sections that need a process restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.App, newCfg.App) {
		changed = append(changed, "app")
		fields = append(fields, logx.Strings("app.roles", newCfg.App.Roles))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		fields = append(fields,
			logx.String("broker.driver", newCfg.Broker.Driver),
			logx.Int("broker.brokers", len(newCfg.Broker.Brokers)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reconciler, newCfg.Reconciler) {
		changed = append(changed, "reconciler")
		fields = append(fields,
			logx.Bool("reconciler.enabled", newCfg.Reconciler.IsEnabled()),
			logx.String("reconciler.schedule", newCfg.Reconciler.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		fields = append(fields, logx.Int("dispatcher.telegram_rate_per_sec", newCfg.Dispatcher.TelegramRatePer))
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
	}
	if !reflect.DeepEqual(oldCfg.Users, newCfg.Users) {
		changed = append(changed, "users")
		fields = append(fields,
			logx.String("users.driver", newCfg.Users.Driver),
			logx.Bool("users.token_set", newCfg.Users.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		fields = append(fields,
			logx.Bool("email.enabled", newCfg.Email.Enabled),
			logx.String("email.host", newCfg.Email.Host),
			logx.Bool("email.password_set", newCfg.Email.Password != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		fields = append(fields, logx.String("ops.addr", newCfg.Ops.Addr))
	}

	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, fields, restart
}
