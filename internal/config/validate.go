package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names ("storage.dsn") instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks structural rules (struct tags) and semantic rules
// (parsable durations, known timezone, well-formed URLs).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	var errs []error
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"broker.write_timeout", cfg.Broker.WriteTimeout},
		{"broker.backoff", cfg.Broker.Backoff},
		{"reconciler.initial_delay", cfg.Reconciler.InitialDelay},
		{"reconciler.startup_spread", cfg.Reconciler.StartupSpread},
		{"reconciler.granularity", cfg.Reconciler.Granularity},
		{"reconciler.soon_window", cfg.Reconciler.SoonWindow},
		{"publisher.timeout", cfg.Publisher.Timeout},
		{"dispatcher.send_timeout", cfg.Dispatcher.SendTimeout},
		{"engine.timeout", cfg.Engine.Timeout},
		{"users.timeout", cfg.Users.Timeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"email.timeout", cfg.Email.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.App.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("app.timezone: %w", err))
		}
	}
	if cfg.Users.Driver == "http" {
		if u, err := url.Parse(cfg.Users.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("users.base_url: invalid url %q", cfg.Users.BaseURL))
		}
	}
	if cfg.Email.Enabled {
		if _, err := mail.ParseAddress(cfg.Email.From); err != nil {
			errs = append(errs, fmt.Errorf("email.from: %w", err))
		}
	}
	return errors.Join(errs...)
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		path := jsonPath(fe.Namespace())
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %q (%s)", path, fe.Tag(), fe.Param()))
		} else {
			errs = append(errs, fmt.Errorf("%s: failed %q", path, fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

// jsonPath turns "Config.storage.dsn" into "storage.dsn".
func jsonPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}
