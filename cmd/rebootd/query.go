package main

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebootd/internal/cluster"
	"github.com/dreamware/rebootd/internal/protocol"
)

const maxParallelQueries = 16

func newUptimeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "uptime [host...]",
		Short: "Query agents for their uptime; all members when no host is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			hosts := args
			if len(hosts) == 0 {
				if hosts, err = cluster.ResolveMembers(cmd.Context(), newOracle()); err != nil {
					return err
				}
			}
			client := protocol.NewClient(cfg.Port, cfg.RequestTimeout)
			return queryUptimes(cmd, client, hosts)
		},
	}
}

// queryUptimes polls hosts in parallel and prints one line per host in
// the order given. Every failed host is reported.
func queryUptimes(cmd *cobra.Command, client *protocol.Client, hosts []string) error {
	replies := make([]protocol.UptimeReply, len(hosts))
	errs := make([]error, len(hosts))

	var g errgroup.Group
	g.SetLimit(maxParallelQueries)
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			replies[i], errs[i] = client.GetUptime(cmd.Context(), host)
			return nil
		})
	}
	_ = g.Wait()

	out := cmd.OutOrStdout()
	var result *multierror.Error
	for i, host := range hosts {
		if errs[i] != nil {
			fmt.Fprintf(out, "%s\terror\n", host)
			result = multierror.Append(result, errs[i])
			continue
		}
		r := replies[i]
		fmt.Fprintf(out, "%s\t%s\tuptime=%.3f\tmax_uptime=%g\texcess=%.3f\n",
			host, r.Host, r.Uptime, r.MaxUptime, r.Uptime-r.MaxUptime)
	}
	return result.ErrorOrNil()
}

func newMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "Print the cluster membership, its health and the leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			oracle := newOracle()
			members, err := cluster.ResolveMembers(cmd.Context(), oracle)
			if err != nil {
				return err
			}
			self, err := hostname()
			if err != nil {
				return err
			}
			_, status, err := oracle.Healthy(cmd.Context())
			if err != nil {
				status = "unknown (" + err.Error() + ")"
			}
			printMembers(cmd.OutOrStdout(), members, self, status)
			return nil
		},
	}
}

func printMembers(out io.Writer, members []string, self, status string) {
	leader, _ := cluster.Leader(members)
	fmt.Fprintf(out, "health: %s\n", status)
	for _, m := range members {
		var marks string
		if m == leader {
			marks += " (leader)"
		}
		if m == self {
			marks += " (this host)"
		}
		fmt.Fprintf(out, "%s%s\n", m, marks)
	}
}
