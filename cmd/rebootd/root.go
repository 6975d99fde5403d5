package main

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/dreamware/rebootd/internal/config"
)

// options collects the values bound to command line flags. Only flags the
// user actually set override the file and environment.
type options struct {
	configPath string
	flags      config.Config
}

func newOptions() *options {
	return &options{flags: config.Default()}
}

func newRootCmd() *cobra.Command {
	return newRoot(newOptions())
}

func newRoot(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "rebootd",
		Short:         "Reboot Ceph hosts one at a time when their uptime gets too high",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", getenv("REBOOTD_CONFIG", ""), "path to a YAML config file")
	pf.BoolVarP(&o.flags.Debug, "debug", "d", false, "enable debug level logging")
	pf.StringVar(&o.flags.LogFormat, "log-format", o.flags.LogFormat, "log format: text or json")
	pf.StringVar(&o.flags.Logging, "logging", o.flags.Logging, "comma separated logging methods: console, syslog")
	pf.IntVarP(&o.flags.Port, "port", "p", o.flags.Port, "agent TCP port")
	pf.DurationVar(&o.flags.RequestTimeout, "request-timeout", o.flags.RequestTimeout, "timeout for one request to an agent")

	root.AddCommand(newServeCmd(o), newUptimeCmd(o), newMembersCmd())
	return root
}

// load builds the effective configuration for cmd: defaults, file,
// environment, then explicitly set flags.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	fs := cmd.Flags()
	overrides := map[string]func(){
		"debug":            func() { cfg.Debug = o.flags.Debug },
		"log-format":       func() { cfg.LogFormat = o.flags.LogFormat },
		"logging":          func() { cfg.Logging = o.flags.Logging },
		"port":             func() { cfg.Port = o.flags.Port },
		"request-timeout":  func() { cfg.RequestTimeout = o.flags.RequestTimeout },
		"listen-address":   func() { cfg.ListenAddress = o.flags.ListenAddress },
		"max-uptime":       func() { cfg.MaxUptime = o.flags.MaxUptime },
		"shutdown-time":    func() { cfg.ShutdownTime = o.flags.ShutdownTime },
		"days":             func() { cfg.DaysAllowed = o.flags.DaysAllowed },
		"times":            func() { cfg.TimesAllowed = o.flags.TimesAllowed },
		"dry-run":          func() { cfg.DryRun = o.flags.DryRun },
		"dry-run-pretend":  func() { cfg.DryRunPretend = o.flags.DryRunPretend },
		"secret":           func() { cfg.Secret = o.flags.Secret },
		"loop-interval":    func() { cfg.LoopInterval = o.flags.LoopInterval },
		"recovery-timeout": func() { cfg.RecoveryTimeout = o.flags.RecoveryTimeout },
	}
	for name, apply := range overrides {
		if fs.Changed(name) {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging settings.
func newLogger(cfg config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	sinks := cfg.LogSinks()
	if !slices.Contains(sinks, "console") {
		logger.SetOutput(io.Discard)
	}
	if slices.Contains(sinks, "syslog") {
		hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, "rebootd")
		if err != nil {
			return nil, fmt.Errorf("connect to syslog: %w", err)
		}
		logger.AddHook(hook)
	}
	return logger, nil
}
