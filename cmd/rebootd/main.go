// Package main implements rebootd, the rolling reboot daemon for Ceph
// clusters.
//
// Every storage host runs `rebootd serve`. Each instance answers uptime
// queries on its agent port. The instance whose host name sorts first
// among the cluster's hosts also runs the coordinator: it polls every
// member, and when the cluster is HEALTH_OK and a member has exceeded its
// maximum uptime inside the allowed window, it asks that one member to
// reboot and waits for it to come back before considering the next.
//
// Commands:
//   - serve: run the agent, and the coordinator on the leader
//   - uptime [host...]: query agents for their uptime
//   - members: print the membership and the leader
//
// Configuration is read from an optional YAML file (--config or
// $REBOOTD_CONFIG), then REBOOTD_* environment variables, then flags.
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, bind failure or failed command
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

var logFatal = logrus.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		logFatal("rebootd: %v", err)
	}
}

// getenv retrieves an environment variable with a default fallback value.
//
// Example:
//
//	path := getenv("REBOOTD_CONFIG", "")
//	// Returns $REBOOTD_CONFIG if set, otherwise ""
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
