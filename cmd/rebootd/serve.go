package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebootd/internal/agent"
	"github.com/dreamware/rebootd/internal/auth"
	"github.com/dreamware/rebootd/internal/cluster"
	"github.com/dreamware/rebootd/internal/config"
	"github.com/dreamware/rebootd/internal/coordinator"
	"github.com/dreamware/rebootd/internal/protocol"
	"github.com/dreamware/rebootd/internal/system"
)

const shutdownTimeout = 5 * time.Second

// Host facilities, replaced in tests.
var (
	newOracle   = func() cluster.HealthOracle { return cluster.NewCephOracle() }
	hostname    = system.Hostname
	hostUptime  system.UptimeSource = system.HostUptime{}
	newExecutor = func(dryRun bool, logger *logrus.Logger) system.RebootExecutor {
		return system.NewShutdownExecutor(dryRun, logger)
	}
	resolveMember func(host string) string
)

func newServeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reboot agent, and the coordinator on the leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.flags.ListenAddress, "listen-address", o.flags.ListenAddress, "address the agent binds to")
	f.Float64VarP(&o.flags.MaxUptime, "max-uptime", "x", o.flags.MaxUptime, "maximum uptime in days before a reboot is needed")
	f.StringVar(&o.flags.ShutdownTime, "shutdown-time", o.flags.ShutdownTime, "time argument passed to shutdown -r (now, +N or hh:mm)")
	f.StringVar(&o.flags.DaysAllowed, "days", o.flags.DaysAllowed, `days when rebooting is allowed, e.g. "mon,wed-thurs"`)
	f.StringVar(&o.flags.TimesAllowed, "times", o.flags.TimesAllowed, `local times when rebooting is allowed, e.g. "09:00-16:00,17:00-17:30"`)
	f.BoolVarP(&o.flags.DryRun, "dry-run", "n", false, "do everything except the reboot")
	f.StringVarP(&o.flags.DryRunPretend, "dry-run-pretend", "N", "", "pretend uptimes in days for hosts, e.g. ceph1=50,ceph2=10")
	f.StringVar(&o.flags.Secret, "secret", o.flags.Secret, "shared secret source: ceph[:entity], file:<path> or static:<value>")
	f.DurationVar(&o.flags.LoopInterval, "loop-interval", o.flags.LoopInterval, "coordinator sleep between cycles")
	f.DurationVar(&o.flags.RecoveryTimeout, "recovery-timeout", 0, "give up waiting for a rebooted host after this long (0 waits forever)")
	return cmd
}

// serve runs the agent until ctx is cancelled. Once the membership
// resolves, a host that leads it also runs the coordinator; leadership is
// decided only then. A bind failure is returned before anything else
// starts.
func serve(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	self, err := hostname()
	if err != nil {
		return err
	}
	secrets, err := auth.ProviderFromSpec(cfg.Secret)
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	window, err := cfg.Window()
	if err != nil {
		return err
	}
	pretend, err := cfg.Pretend()
	if err != nil {
		return err
	}

	uptime := hostUptime
	if len(pretend) > 0 {
		uptime = system.PretendUptime{Source: uptime, Days: pretend, Host: self}
	}

	oracle := newOracle()
	authn := auth.NewAuthenticator(secrets, nil, logger)
	srv := agent.NewServer(agent.Options{
		Config: agent.Config{
			Hostname:     self,
			ShutdownTime: cfg.ShutdownTime,
			MaxUptime:    cfg.MaxUptime,
			ReadTimeout:  cfg.RequestTimeout,
		},
		Auth:     authn,
		Window:   window,
		Oracle:   oracle,
		Uptime:   uptime,
		Executor: newExecutor(cfg.DryRun, logger),
		Logger:   logger,
	})

	l, err := srv.Listen(cfg.Addr())
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"host":        self,
		"config":      cfg.String(),
		"nonce_floor": authn.StartTime(),
	}).Info("rebootd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		members, err := awaitMembers(gctx, oracle, cfg.LoopInterval, logger)
		if err != nil {
			return nil
		}
		if !cluster.IsLeader(self, members) {
			leader, _ := cluster.Leader(members)
			logger.WithField("leader", leader).Info("this host is not the leader, running as agent only")
			return nil
		}

		logger.WithField("members", members).Info("this host is the leader, starting coordinator")
		client := protocol.NewClient(cfg.Port, cfg.RequestTimeout)
		client.Resolve = resolveMember
		co := coordinator.New(coordinator.Options{
			Oracle: oracle,
			Window: window,
			Poller: client,
			Local:  srv.LocalUptime,
			Signer: authn,
			Logger: logger,
			Config: coordinator.Config{
				Self:             self,
				LoopInterval:     cfg.LoopInterval,
				RebootWait:       cfg.RebootWait(),
				RecoveryInterval: cfg.RecoveryInterval,
				RecoveryTimeout:  cfg.RecoveryTimeout,
			},
		})
		co.Start(gctx)
		return nil
	})

	return g.Wait()
}

// awaitMembers resolves the membership, retrying every interval until it
// succeeds or ctx is done. Right after the leader reboots itself the
// oracle is often not ready yet.
func awaitMembers(ctx context.Context, oracle cluster.HealthOracle, interval time.Duration, logger *logrus.Logger) ([]string, error) {
	for {
		members, err := cluster.ResolveMembers(ctx, oracle)
		if err == nil {
			return members, nil
		}
		logger.WithError(err).WithField("retry_in", interval).Warn("cannot resolve members yet")

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
