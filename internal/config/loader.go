package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// VOICEGATE_* environment overrides and validates the result. An empty
// document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.WebsocketPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.websocket_path %q must start with /", p))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout %s must not be negative", cfg.Server.IdleTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Delivery
	if cfg.Delivery.StopNotify.Enabled {
		if _, err := os.Stat(cfg.Delivery.StopNotify.Path); err != nil {
			slog.Warn("delivery.stop_notify.path is not readable; stop notification will be skipped",
				"path", cfg.Delivery.StopNotify.Path, "err", err)
		}
	}

	// Interceptor
	ic := cfg.Interceptor
	if ic.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("interceptor.max_workers %d must not be negative", ic.MaxWorkers))
	}
	if ic.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("interceptor.queue_size %d must not be negative", ic.QueueSize))
	}
	if ic.HistoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("interceptor.history_capacity %d must not be negative", ic.HistoryCapacity))
	}
	if api := ic.Handlers.ExternalAPI; api.Enabled {
		if api.URL == "" {
			errs = append(errs, errors.New("interceptor.handlers.external_api.url is required when external_api is enabled"))
		} else if u, err := url.Parse(api.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("interceptor.handlers.external_api.url %q must be an http(s) URL", api.URL))
		}
	}
	if ic.Handlers.DatabaseStorage && cfg.Accounts.PostgresDSN == "" {
		errs = append(errs, errors.New("interceptor.handlers.database_storage requires accounts.postgres_dsn"))
	}

	// Accounts
	if cfg.Accounts.CostPerRequest < 0 {
		errs = append(errs, fmt.Errorf("accounts.cost_per_request %.2f must not be negative", cfg.Accounts.CostPerRequest))
	}
	if cfg.Accounts.DefaultBalance < 0 {
		errs = append(errs, fmt.Errorf("accounts.default_balance %.2f must not be negative", cfg.Accounts.DefaultBalance))
	}
	if ic.Handlers.Billing && cfg.Accounts.PostgresDSN == "" {
		slog.Warn("accounts.postgres_dsn is empty; device balances are kept in memory only")
	}

	return errors.Join(errs...)
}

// envOverrides lists the settings that may be overridden from the
// environment. Non-empty values win over the YAML file.
type envOverrides struct {
	ListenAddr  string `env:"VOICEGATE_LISTEN_ADDR"`
	LogLevel    string `env:"VOICEGATE_LOG_LEVEL"`
	PostgresDSN string `env:"VOICEGATE_POSTGRES_DSN"`
	WebhookURL  string `env:"VOICEGATE_WEBHOOK_URL"`
}

func applyEnv(cfg *Config) error {
	o, err := env.ParseAs[envOverrides]()
	if err != nil {
		return fmt.Errorf("config: environment overrides: %w", err)
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	if o.PostgresDSN != "" {
		cfg.Accounts.PostgresDSN = o.PostgresDSN
	}
	if o.WebhookURL != "" {
		cfg.Interceptor.Handlers.ExternalAPI.URL = o.WebhookURL
	}
	return nil
}
