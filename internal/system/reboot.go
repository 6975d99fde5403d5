package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RebootExecutor schedules an operating system reboot.
// The when argument follows shutdown(8) syntax: "now", "+N" (minutes)
// or "hh:mm".
type RebootExecutor interface {
	Schedule(ctx context.Context, when string) error
}

// ShutdownExecutor schedules reboots with `shutdown -r`.
// With DryRun set, the reboot is only logged.
type ShutdownExecutor struct {
	Log    *logrus.Logger
	Run    Runner
	DryRun bool
}

// NewShutdownExecutor returns an executor backed by os/exec.
func NewShutdownExecutor(dryRun bool, logger *logrus.Logger) *ShutdownExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ShutdownExecutor{DryRun: dryRun, Run: ExecRunner, Log: logger}
}

// Schedule asks the OS to reboot at the given time.
func (e *ShutdownExecutor) Schedule(ctx context.Context, when string) error {
	if e.DryRun {
		e.Log.WithField("when", when).Info("(dry run) shutdown and reboot was scheduled")
		return nil
	}
	run := e.Run
	if run == nil {
		run = ExecRunner
	}
	if _, err := run(ctx, "shutdown", "-r", when); err != nil {
		return fmt.Errorf("schedule reboot at %q: %w", when, err)
	}
	e.Log.WithField("when", when).Info("shutdown and reboot was scheduled")
	return nil
}

// ParseShutdownDelay converts a shutdown time expression to the delay
// before the reboot is expected to start. "now" is zero, "+N" is N
// minutes. Absolute "hh:mm" times are reported with ok=false since the
// delay depends on the wall clock of the target host.
func ParseShutdownDelay(when string) (delay time.Duration, ok bool, err error) {
	when = strings.TrimSpace(when)
	switch {
	case when == "now":
		return 0, true, nil
	case strings.HasPrefix(when, "+"):
		n, err := strconv.Atoi(when[1:])
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("invalid shutdown delay %q", when)
		}
		return time.Duration(n) * time.Minute, true, nil
	case isClockTime(when):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("invalid shutdown time %q", when)
	}
}

func isClockTime(s string) bool {
	hh, mm, found := strings.Cut(s, ":")
	if !found {
		return false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return false
	}
	m, err := strconv.Atoi(mm)
	return err == nil && m >= 0 && m <= 59
}
