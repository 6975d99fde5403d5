// Package coordinator provides the rolling reboot loop run by the leader.
// This file implements the polling cycle and reboot candidate selection.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/rebootd/internal/auth"
	"github.com/dreamware/rebootd/internal/cluster"
	"github.com/dreamware/rebootd/internal/protocol"
	"github.com/dreamware/rebootd/internal/schedule"
)

// Poller talks to member agents.
// *protocol.Client is the production implementation.
type Poller interface {
	GetUptime(ctx context.Context, host string) (protocol.UptimeReply, error)
	RequestReboot(ctx context.Context, host string, nonce int64, tag string) (protocol.RebootReply, error)
}

// Signer computes handshake tags for outgoing reboot requests.
type Signer interface {
	ComputeTag(ctx context.Context, nonce int64) (auth.Tag, error)
}

// LocalUptimeFunc answers the uptime query for the coordinator's own host
// without a network round trip.
type LocalUptimeFunc func(ctx context.Context) (protocol.UptimeReply, error)

// Config controls the loop timing.
type Config struct {
	Self             string        // this host's member name
	LoopInterval     time.Duration // sleep between cycles
	RebootWait       time.Duration // first wait after a reboot was accepted
	RecoveryInterval time.Duration // poll interval while waiting for recovery
	RecoveryTimeout  time.Duration // give up waiting after this long; 0 waits forever
}

// Options wires a Coordinator to its collaborators.
type Options struct {
	Oracle cluster.HealthOracle
	Window *schedule.Window
	Poller Poller
	Local  LocalUptimeFunc
	Signer Signer
	Nonces *auth.NonceSource
	Logger *logrus.Logger
	Now    func() time.Time
	Config Config
}

// Outcome classifies how a cycle ended.
type Outcome int

const (
	OutcomeOutsideWindow Outcome = iota
	OutcomePollFailed
	OutcomeUnhealthy
	OutcomeNoRebootNeeded
	OutcomeRequestFailed
	OutcomeRefused
	OutcomeRequested
)

var outcomeNames = map[Outcome]string{
	OutcomeOutsideWindow:  "outside-window",
	OutcomePollFailed:     "poll-failed",
	OutcomeUnhealthy:      "unhealthy",
	OutcomeNoRebootNeeded: "no-reboot-needed",
	OutcomeRequestFailed:  "request-failed",
	OutcomeRefused:        "refused",
	OutcomeRequested:      "requested",
}

func (o Outcome) String() string {
	return outcomeNames[o]
}

// Decision is the transient result of one cycle.
type Decision struct {
	Reason    string
	Members   []cluster.Member
	Candidate cluster.Member
	Outcome   Outcome
	Healthy   bool
}

// Coordinator drives one-at-a-time reboots of all members.
// Exactly one goroutine may run Start at a time.
type Coordinator struct {
	oracle cluster.HealthOracle
	window *schedule.Window
	poller Poller
	local  LocalUptimeFunc
	signer Signer
	nonces *auth.NonceSource
	seen   *MemberTracker
	log    *logrus.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	wg     sync.WaitGroup
	mu     sync.Mutex // orders Start's wg.Add against Stop
}

// New creates a Coordinator that is ready to Start.
// Zero intervals default to 10s between cycles and between recovery polls,
// and 30s before the first recovery poll.
//
// Parameters:
//   - opts: Collaborators and timing. Oracle, Window, Poller and Signer are
//     required; Logger, Now, Nonces and Local are optional.
//
// Returns:
//   - *Coordinator: Idle coordinator; nothing runs until Start
//
// Example:
//
//	c := coordinator.New(coordinator.Options{
//		Oracle: cluster.NewCephOracle(),
//		Window: schedule.MustParse("mon-thurs", "10:00-16:00"),
//		Poller: protocol.NewClient(9871, 5*time.Second),
//		Signer: authn,
//		Config: coordinator.Config{Self: "ceph1"},
//	})
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Nonces == nil {
		opts.Nonces = auth.NewNonceSource(nil)
	}
	if opts.Config.LoopInterval <= 0 {
		opts.Config.LoopInterval = 10 * time.Second
	}
	if opts.Config.RecoveryInterval <= 0 {
		opts.Config.RecoveryInterval = 10 * time.Second
	}
	if opts.Config.RebootWait <= 0 {
		opts.Config.RebootWait = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    opts.Config,
		oracle: opts.Oracle,
		window: opts.Window,
		poller: opts.Poller,
		local:  opts.Local,
		signer: opts.Signer,
		nonces: opts.Nonces,
		seen:   NewMemberTracker(opts.Logger, opts.Now),
		log:    opts.Logger,
		now:    opts.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the reboot loop in the calling goroutine until ctx is
// cancelled or Stop is called. Each iteration runs one Cycle; after an
// accepted reboot request it waits for the target to come back before
// the next cycle, then sleeps LoopInterval.
//
// Start returns immediately if ctx is already done or Stop was called.
//
// Example:
//
//	c := coordinator.New(opts)
//	go c.Start(ctx)
//	defer c.Stop()
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ctx.Err() != nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.log.WithField("self", c.cfg.Self).Info("coordinator started")
	for ctx.Err() == nil {
		d := c.Cycle(ctx)
		if d.Outcome == OutcomeRequested {
			c.awaitRecovery(ctx, d.Candidate)
		}
		if !sleep(ctx, c.cfg.LoopInterval) {
			break
		}
	}
	c.log.Info("coordinator stopping")
}

// Stop cancels the loop and waits for it to return. It is safe to call
// before Start, in which case a later Start returns at once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// Cycle performs one observation and, if warranted, one reboot request.
// Outside the allowed window it returns without polling. Otherwise it
// polls every member (this host locally), gives up on any failure or an
// unhealthy cluster, and asks the member with the greatest positive
// excess uptime to reboot.
//
// Parameters:
//   - ctx: Bounds every poll and the reboot request
//
// Returns:
//   - Decision: What was observed and done; Outcome is OutcomeRequested
//     only when the candidate accepted the request
//
// Cycle does not wait for the candidate to reboot; Start does that.
func (c *Coordinator) Cycle(ctx context.Context) Decision {
	if !c.window.Allowed(c.now()) {
		c.log.WithField("allowed", c.window.String()).
			Info("reboot is not allowed now, not checking status")
		return Decision{Outcome: OutcomeOutsideWindow, Reason: "outside allowed window"}
	}

	c.log.Info("checking status")
	hosts, err := cluster.ResolveMembers(ctx, c.oracle)
	if err != nil {
		c.log.WithError(err).Info("cannot resolve members, not requesting any reboots")
		return Decision{Outcome: OutcomePollFailed, Reason: err.Error()}
	}

	c.seen.Prune(hosts)
	members, ok := c.poll(ctx, hosts)
	if !ok {
		c.logFailing(hosts)
		c.log.Info("due to failure, not requesting any reboots")
		return Decision{Outcome: OutcomePollFailed, Members: members, Reason: "member unreachable"}
	}

	healthy, status, err := c.oracle.Healthy(ctx)
	if err != nil {
		c.log.WithError(err).Info("cannot determine health, not doing reboots")
		return Decision{Outcome: OutcomeUnhealthy, Members: members, Reason: err.Error()}
	}
	if !healthy {
		c.log.WithField("health", status).Info("health is not ok, not doing reboots")
		return Decision{Outcome: OutcomeUnhealthy, Members: members, Reason: status}
	}

	candidate := SelectCandidate(members)
	d := Decision{Members: members, Candidate: candidate, Healthy: true}
	if candidate.Excess() <= 0 {
		c.log.WithFields(logrus.Fields{
			"host":           candidate.Host,
			"next_in_days":   -candidate.Excess(),
			"highest_uptime": candidate.Uptime,
		}).Info("no reboot necessary")
		d.Outcome = OutcomeNoRebootNeeded
		return d
	}

	fields := logrus.Fields{"host": candidate.Host, "excess": candidate.Excess()}
	c.log.WithFields(fields).Info("requesting reboot")

	nonce := c.nonces.Next()
	tag, err := c.signer.ComputeTag(ctx, nonce)
	if err != nil {
		c.log.WithFields(fields).WithError(err).Warn("cannot sign reboot request")
		d.Outcome, d.Reason = OutcomeRequestFailed, err.Error()
		return d
	}
	reply, err := c.poller.RequestReboot(ctx, candidate.Host, nonce, tag.String())
	if err != nil {
		c.log.WithFields(fields).WithError(err).Warn("reboot request failed")
		d.Outcome, d.Reason = OutcomeRequestFailed, err.Error()
		return d
	}
	c.log.WithFields(fields).WithField("reply", reply.Encode()).Info("host responded")
	if !reply.OK {
		c.log.WithFields(fields).Warn("host refused to reboot")
		d.Outcome, d.Reason = OutcomeRefused, reply.Message
		return d
	}
	d.Outcome = OutcomeRequested
	return d
}

// poll queries every member. It keeps going after a failure so every
// unreachable member is logged, but any failure fails the cycle.
func (c *Coordinator) poll(ctx context.Context, hosts []string) ([]cluster.Member, bool) {
	members := make([]cluster.Member, 0, len(hosts))
	ok := true
	for _, host := range hosts {
		reply, err := c.uptimeOf(ctx, host)
		c.seen.Record(host, reply, err)
		if err != nil {
			c.log.WithField("host", host).WithError(err).Info("failed to get uptime")
			ok = false
			continue
		}
		members = append(members, cluster.Member{
			Host:      host,
			Uptime:    reply.Uptime,
			MaxUptime: reply.MaxUptime,
		})
	}
	c.log.WithField("members", members).Debug("polled uptimes")
	return members, ok
}

// logFailing reports every member whose last poll failed, with how long
// it has been failing.
func (c *Coordinator) logFailing(hosts []string) {
	seen := c.seen.All()
	for _, host := range hosts {
		m, ok := seen[host]
		if !ok || m.ConsecutiveFails == 0 {
			continue
		}
		entry := c.log.WithFields(logrus.Fields{
			"host":              host,
			"status":            m.Status,
			"consecutive_fails": m.ConsecutiveFails,
		})
		if !m.LastSeen.IsZero() {
			entry = entry.WithField("last_seen", m.LastSeen.Format(time.RFC3339))
		}
		entry.Warn("member did not answer")
	}
}

func (c *Coordinator) uptimeOf(ctx context.Context, host string) (protocol.UptimeReply, error) {
	if host == c.cfg.Self && c.local != nil {
		return c.local(ctx)
	}
	return c.poller.GetUptime(ctx, host)
}

// SelectCandidate returns the member with the greatest excess uptime.
// Ties go to the member that comes first in members.
func SelectCandidate(members []cluster.Member) cluster.Member {
	var best cluster.Member
	for i, m := range members {
		if i == 0 || m.Excess() > best.Excess() {
			best = m
		}
	}
	return best
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
