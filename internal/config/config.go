// Package config loads rebootd settings from defaults, an optional YAML
// file and REBOOTD_* environment variables, in that order of precedence
// (lowest first). Command line flags are applied on top by cmd/rebootd.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"

	"github.com/dreamware/rebootd/internal/auth"
	"github.com/dreamware/rebootd/internal/schedule"
	"github.com/dreamware/rebootd/internal/system"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "REBOOTD_"

// Config holds every setting of the agent and the coordinator.
type Config struct {
	ListenAddress    string        `yaml:"listen_address"`
	ShutdownTime     string        `yaml:"shutdown_time"`
	DaysAllowed      string        `yaml:"days_allowed"`
	TimesAllowed     string        `yaml:"times_allowed"`
	DryRunPretend    string        `yaml:"dry_run_pretend"`
	Secret           string        `yaml:"secret"`
	LogFormat        string        `yaml:"log_format"`
	Logging          string        `yaml:"logging"`
	MaxUptime        float64       `yaml:"max_uptime"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	LoopInterval     time.Duration `yaml:"loop_interval"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	Port             int           `yaml:"port"`
	DryRun           bool          `yaml:"dry_run"`
	Debug            bool          `yaml:"debug"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ListenAddress:    "0.0.0.0",
		Port:             9871,
		MaxUptime:        30,
		ShutdownTime:     "+10",
		DaysAllowed:      "mon-thurs",
		TimesAllowed:     "10:00-16:00",
		Secret:           "ceph",
		LogFormat:        "text",
		Logging:          "console",
		RequestTimeout:   5 * time.Second,
		LoopInterval:     10 * time.Second,
		RecoveryInterval: 10 * time.Second,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path skips the file. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from REBOOTD_* variables looked up with
// getenv. Empty values are ignored. All malformed values are reported.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs *multierror.Error

	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	parsed := func(key string, parse func(string) error) {
		if v := getenv(EnvPrefix + key); v != "" {
			if err := parse(v); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		parsed(key, func(v string) (err error) {
			*dst, err = time.ParseDuration(v)
			return err
		})
	}
	boolean := func(key string, dst *bool) {
		parsed(key, func(v string) (err error) {
			*dst, err = strconv.ParseBool(v)
			return err
		})
	}

	str("LISTEN_ADDRESS", &c.ListenAddress)
	str("SHUTDOWN_TIME", &c.ShutdownTime)
	str("DAYS_ALLOWED", &c.DaysAllowed)
	str("TIMES_ALLOWED", &c.TimesAllowed)
	str("DRY_RUN_PRETEND", &c.DryRunPretend)
	str("SECRET", &c.Secret)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOGGING", &c.Logging)
	parsed("PORT", func(v string) (err error) {
		c.Port, err = strconv.Atoi(v)
		return err
	})
	parsed("MAX_UPTIME", func(v string) (err error) {
		c.MaxUptime, err = strconv.ParseFloat(v, 64)
		return err
	})
	duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	duration("LOOP_INTERVAL", &c.LoopInterval)
	duration("RECOVERY_INTERVAL", &c.RecoveryInterval)
	duration("RECOVERY_TIMEOUT", &c.RecoveryTimeout)
	boolean("DRY_RUN", &c.DryRun)
	boolean("DEBUG", &c.Debug)

	return errs.ErrorOrNil()
}

// Validate checks every setting and returns all problems at once.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.ListenAddress == "" {
		errs = multierror.Append(errs, errors.New("listen_address must not be empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxUptime <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_uptime must be positive, got %v", c.MaxUptime))
	}
	if _, _, err := system.ParseShutdownDelay(c.ShutdownTime); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("shutdown_time: %w", err))
	}
	if _, err := schedule.Parse(c.DaysAllowed, c.TimesAllowed); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := system.ParsePretend(c.DryRunPretend); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("dry_run_pretend: %w", err))
	}
	if c.DryRunPretend != "" && !c.DryRun {
		errs = multierror.Append(errs, errors.New("dry_run_pretend requires dry_run"))
	}
	if _, err := auth.ProviderFromSpec(c.Secret); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("secret: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	sinks := c.LogSinks()
	if len(sinks) == 0 {
		errs = multierror.Append(errs, errors.New("logging must name at least one of console, syslog"))
	}
	for _, sink := range sinks {
		if sink != "console" && sink != "syslog" {
			errs = multierror.Append(errs, fmt.Errorf("unrecognized logging method %q", sink))
		}
	}
	for name, d := range map[string]time.Duration{
		"request_timeout":   c.RequestTimeout,
		"loop_interval":     c.LoopInterval,
		"recovery_interval": c.RecoveryInterval,
	} {
		if d <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RecoveryTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("recovery_timeout must not be negative, got %s", c.RecoveryTimeout))
	}

	return errs.ErrorOrNil()
}

// LogSinks splits the comma-separated logging methods.
func (c Config) LogSinks() []string {
	var sinks []string
	for _, s := range strings.Split(c.Logging, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// Addr is the agent's listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// Window parses the allowed reboot window.
func (c Config) Window() (*schedule.Window, error) {
	return schedule.Parse(c.DaysAllowed, c.TimesAllowed)
}

// Pretend returns the dry-run uptime overrides keyed by host.
func (c Config) Pretend() (map[string]float64, error) {
	return system.ParsePretend(c.DryRunPretend)
}

// RebootWait is how long the coordinator waits after an accepted reboot
// request before it starts polling the target: the shutdown delay plus
// five seconds, or thirty seconds when the delay depends on the target's
// clock.
func (c Config) RebootWait() time.Duration {
	delay, ok, err := system.ParseShutdownDelay(c.ShutdownTime)
	if err != nil || !ok {
		return 30 * time.Second
	}
	return delay + 5*time.Second
}

// String renders the effective settings for the startup log.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "listen=%s max_uptime=%v shutdown_time=%s window=%q",
		c.Addr(), c.MaxUptime, c.ShutdownTime, c.DaysAllowed+" "+c.TimesAllowed)
	if c.DryRun {
		b.WriteString(" dry_run")
		if c.DryRunPretend != "" {
			fmt.Fprintf(&b, " pretend=%s", c.DryRunPretend)
		}
	}
	return b.String()
}
