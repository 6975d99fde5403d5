// Package system wraps the host facilities the reboot agent depends on:
// the local uptime counter, the hostname, and the privileged shutdown
// command. Each facility sits behind a small interface so the agent and
// the coordinator can be exercised without touching the real machine.
package system

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/host"
)

// Runner executes an external command and returns its standard output.
// A non-nil error carries the command's standard error text.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// UptimeSource reports how long this machine has been running.
type UptimeSource interface {
	Uptime(ctx context.Context) (time.Duration, error)
}

// HostUptime reads the kernel uptime counter through gopsutil.
type HostUptime struct{}

// Uptime returns the continuous up-time of the local host.
func (HostUptime) Uptime(ctx context.Context) (time.Duration, error) {
	secs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read host uptime: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// FixedUptime is an UptimeSource that always reports the same value.
type FixedUptime time.Duration

// Uptime returns the fixed duration.
func (f FixedUptime) Uptime(context.Context) (time.Duration, error) {
	return time.Duration(f), nil
}

// Days converts a duration to fractional days, the unit used on the wire.
func Days(d time.Duration) float64 {
	return d.Hours() / 24
}

// Hostname returns the short host name reported to peers.
func Hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name, nil
}
