// Package config loads and validates the kaiwa daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "5s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type DBConfig struct {
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type InboundConfig struct {
	LockTimeout  Duration   `yaml:"lock_timeout"`
	FailurePause Duration   `yaml:"failure_pause"`
	Backoff      []Duration `yaml:"backoff"`
}

type OutboxConfig struct {
	Tick        Duration `yaml:"tick"`
	Batch       int      `yaml:"batch"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	MaxAttempts int      `yaml:"max_attempts"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

type RetentionConfig struct {
	MaxAge   Duration `yaml:"max_age"`
	Interval Duration `yaml:"interval"`
}

type AdminConfig struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

type ObservabilityConfig struct {
	ServiceName     string `yaml:"service_name"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingInsecure bool   `yaml:"tracing_insecure"`
}

type RecipientConfig struct {
	Channel   string `yaml:"channel"`
	Transport string `yaml:"transport"`
	Target    string `yaml:"target"`
}

type Config struct {
	DB            DBConfig            `yaml:"db"`
	Inbound       InboundConfig       `yaml:"inbound"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	Retention     RetentionConfig     `yaml:"retention"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
	Recipients    []RecipientConfig   `yaml:"recipients"`
}

func Default() Config {
	return Config{
		DB: DBConfig{
			Path: "./kaiwa.db",
		},
		Inbound: InboundConfig{
			LockTimeout:  Duration(10 * time.Minute),
			FailurePause: Duration(5 * time.Second),
			Backoff: []Duration{
				Duration(5 * time.Second),
				Duration(10 * time.Second),
				Duration(20 * time.Second),
				Duration(40 * time.Second),
				Duration(80 * time.Second),
				Duration(160 * time.Second),
				Duration(300 * time.Second),
			},
		},
		Outbox: OutboxConfig{
			Tick:        Duration(2 * time.Second),
			Batch:       25,
			BackoffBase: Duration(10 * time.Second),
			BackoffCap:  Duration(10 * time.Minute),
			MaxAttempts: 12,
			LockTimeout: Duration(5 * time.Minute),
		},
		Retention: RetentionConfig{
			MaxAge:   Duration(7 * 24 * time.Hour),
			Interval: Duration(time.Hour),
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:7685",
		},
		Observability: ObservabilityConfig{
			ServiceName: "kaiwa",
		},
	}
}

// Load reads the YAML config at path on top of the defaults. A missing
// file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

type ValidationResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

func Validate(cfg Config) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(cfg.DB.Path) == "" && strings.TrimSpace(cfg.DB.PostgresDSN) == "" {
		res.Errors = append(res.Errors, "db: either path or postgres_dsn is required")
	}
	if cfg.Outbox.Batch <= 0 {
		res.Errors = append(res.Errors, "outbox: batch must be positive")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		res.Errors = append(res.Errors, "outbox: max_attempts must be positive")
	}
	if cfg.Outbox.Tick.Std() <= 0 {
		res.Errors = append(res.Errors, "outbox: tick must be positive")
	}
	if cfg.Outbox.BackoffCap.Std() > 0 && cfg.Outbox.BackoffBase.Std() > cfg.Outbox.BackoffCap.Std() {
		res.Errors = append(res.Errors, "outbox: backoff_base exceeds backoff_cap")
	}
	if cfg.Inbound.LockTimeout.Std() <= 0 {
		res.Errors = append(res.Errors, "inbound: lock_timeout must be positive")
	}
	for i, d := range cfg.Inbound.Backoff {
		if d.Std() < 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("inbound: backoff[%d] is negative", i))
		}
		if i > 0 && d.Std() < cfg.Inbound.Backoff[i-1].Std() {
			res.Errors = append(res.Errors, fmt.Sprintf("inbound: backoff[%d] decreases", i))
		}
	}
	if len(cfg.Inbound.Backoff) == 0 {
		res.Warnings = append(res.Warnings, "inbound: empty backoff table, failed rows retry immediately")
	}

	seen := make(map[string]struct{}, len(cfg.Recipients))
	for i, rec := range cfg.Recipients {
		if strings.TrimSpace(rec.Channel) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("recipients[%d]: channel is required", i))
			continue
		}
		if strings.TrimSpace(rec.Target) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("recipients[%d]: target is required", i))
		}
		if _, dup := seen[rec.Channel]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("recipients[%d]: duplicate channel %q", i, rec.Channel))
		}
		seen[rec.Channel] = struct{}{}
	}

	if cfg.Retention.MaxAge.Std() > 0 && cfg.Retention.Interval.Std() <= 0 {
		res.Warnings = append(res.Warnings, "retention: max_age set but interval is zero, cleanup disabled")
	}

	res.OK = len(res.Errors) == 0
	return res
}
