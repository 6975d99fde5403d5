package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/rebootd/internal/cluster"
)

// awaitRecovery blocks until target has visibly rebooted, has evidently
// not rebooted, the recovery timeout passes, or ctx is done. While it runs
// no other reboot is requested, which is what keeps at most one member
// down at a time.
//
// Target states while waiting:
//   - no reply: presumed down or restarting
//   - uptime below the pre-request value: reboot completed
//   - uptime not lower after having been unreachable: the reboot did not
//     take; the next cycle re-evaluates and will likely ask again
//   - uptime not lower and never unreachable: reboot still pending
func (c *Coordinator) awaitRecovery(ctx context.Context, target cluster.Member) {
	start := c.now()
	fields := logrus.Fields{"host": target.Host, "since": start.Format("15:04:05")}

	if target.Host == c.cfg.Self {
		// The agent is restarted by init after the reboot; nothing to poll.
		for {
			c.log.WithFields(fields).Info("waiting for this host to reboot")
			if !sleep(ctx, c.cfg.RebootWait) || c.timedOut(start) {
				return
			}
		}
	}

	c.log.WithFields(fields).Info("waiting for host to reboot")
	if !sleep(ctx, c.cfg.RebootWait) {
		return
	}

	seemedDown := false
	for {
		if c.timedOut(start) {
			c.log.WithFields(fields).Warn("gave up waiting for host to reboot")
			return
		}

		reply, err := c.poller.GetUptime(ctx, target.Host)
		c.seen.Record(target.Host, reply, err)
		switch {
		case err != nil:
			c.log.WithFields(fields).Info("waiting for host to come back")
			seemedDown = true
		case reply.Uptime < target.Uptime:
			c.log.WithFields(fields).WithField("uptime", reply.Uptime).Info("host is back")
			return
		case seemedDown:
			c.log.WithFields(fields).WithField("uptime", reply.Uptime).
				Info("host seems back but still has high uptime, next cycle should request a reboot again")
			return
		default:
			c.log.WithFields(fields).Info("still waiting for host to reboot")
		}

		if !sleep(ctx, c.cfg.RecoveryInterval) {
			return
		}
	}
}

func (c *Coordinator) timedOut(start time.Time) bool {
	return c.cfg.RecoveryTimeout > 0 && c.now().Sub(start) >= c.cfg.RecoveryTimeout
}
