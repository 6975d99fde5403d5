// Package coordinator provides the rolling reboot loop run by the leader.
// This file contains tests for cycle decisions and the recovery wait.
package coordinator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rebootd/internal/auth"
	"github.com/dreamware/rebootd/internal/cluster"
	"github.com/dreamware/rebootd/internal/protocol"
	"github.com/dreamware/rebootd/internal/schedule"
)

const testSecret = "s3cret"

// fakeCluster simulates member agents. After an accepted reboot request the
// target goes through the uptimes configured in onReboot, one per poll, and
// then keeps the last one.
type fakeCluster struct {
	uptimes     map[string]float64
	unreachable map[string]bool
	onReboot    map[string][]float64 // negative means unreachable
	states      map[string][]float64
	calls       []string
	nonces      []int64
	refuse      string
	maxUptime   float64
	mu          sync.Mutex
}

func newFakeCluster(uptimes map[string]float64) *fakeCluster {
	return &fakeCluster{
		uptimes:     uptimes,
		unreachable: make(map[string]bool),
		onReboot:    make(map[string][]float64),
		states:      make(map[string][]float64),
		maxUptime:   30,
	}
}

func (f *fakeCluster) GetUptime(_ context.Context, host string) (protocol.UptimeReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get_uptime "+host)

	if f.unreachable[host] {
		return protocol.UptimeReply{}, errors.New("connection refused")
	}
	if states := f.states[host]; len(states) > 0 {
		next := states[0]
		if len(states) > 1 {
			f.states[host] = states[1:]
		}
		if next < 0 {
			return protocol.UptimeReply{}, errors.New("i/o timeout")
		}
		f.uptimes[host] = next
	}
	up, ok := f.uptimes[host]
	if !ok {
		return protocol.UptimeReply{}, errors.New("no such host")
	}
	return protocol.UptimeReply{Host: host, Uptime: up, MaxUptime: f.maxUptime}, nil
}

func (f *fakeCluster) RequestReboot(_ context.Context, host string, nonce int64, tag string) (protocol.RebootReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "do_reboot "+host)
	f.nonces = append(f.nonces, nonce)

	if tag != auth.MakeTag(nonce, testSecret).String() {
		return protocol.RebootReply{Message: protocol.MsgSecurityFailed}, nil
	}
	if f.refuse != "" {
		return protocol.RebootReply{Message: f.refuse}, nil
	}
	f.states[host] = f.onReboot[host]
	return protocol.RebootReply{OK: true, Message: protocol.MsgOK}, nil
}

func (f *fakeCluster) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCluster) rebootRequests() []string {
	var out []string
	for _, c := range f.snapshot() {
		if host, ok := strings.CutPrefix(c, "do_reboot "); ok {
			out = append(out, host)
		}
	}
	return out
}

func (f *fakeCluster) hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hosts []string
	for h := range f.uptimes {
		hosts = append(hosts, h)
	}
	for h := range f.unreachable {
		hosts = append(hosts, h)
	}
	return hosts
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var always = schedule.MustParse("sun-sat", "00:00-23:59")

func newTestCoordinator(f *fakeCluster, status string, cfg Config) *Coordinator {
	if cfg.LoopInterval == 0 {
		cfg.LoopInterval = 5 * time.Millisecond
	}
	if cfg.RebootWait == 0 {
		cfg.RebootWait = 5 * time.Millisecond
	}
	if cfg.RecoveryInterval == 0 {
		cfg.RecoveryInterval = 5 * time.Millisecond
	}
	logger := quietLogger()
	return New(Options{
		Config: cfg,
		Oracle: cluster.StaticOracle{Status: status, Hosts: f.hosts()},
		Window: always,
		Poller: f,
		Signer: auth.NewAuthenticator(auth.StaticSecret(testSecret), nil, logger),
		Logger: logger,
	})
}

// TestSelectCandidate verifies greatest excess wins and ties go to the first member
func TestSelectCandidate(t *testing.T) {
	members := []cluster.Member{
		{Host: "a", Uptime: 10, MaxUptime: 30},
		{Host: "b", Uptime: 35, MaxUptime: 30},
		{Host: "c", Uptime: 25, MaxUptime: 20},
	}
	assert.Equal(t, "b", SelectCandidate(members).Host, "b and c tie at 5, b comes first")

	members[2].MaxUptime = 10
	assert.Equal(t, "c", SelectCandidate(members).Host)

	assert.Equal(t, cluster.Member{}, SelectCandidate(nil))
}

// TestCycleNominal covers the three-member scenario with one overdue member
func TestCycleNominal(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 31, "b": 5, "c": 10})
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomeRequested, d.Outcome)
	assert.Equal(t, "a", d.Candidate.Host)
	assert.InDelta(t, 1.0, d.Candidate.Excess(), 1e-9)
	assert.True(t, d.Healthy)
	assert.Len(t, d.Members, 3)
	assert.Equal(t, []string{"a"}, f.rebootRequests())
}

// TestCycleUnreachableMember verifies one missing member blocks every reboot
func TestCycleUnreachableMember(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45, "c": 10})
	f.unreachable["b"] = true
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomePollFailed, d.Outcome)
	assert.Empty(t, f.rebootRequests())

	calls := f.snapshot()
	assert.Contains(t, calls, "get_uptime c", "polling continues past the failure")
}

func TestCycleUnhealthyCluster(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45, "b": 5})
	c := newTestCoordinator(f, "HEALTH_WARN", Config{})

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomeUnhealthy, d.Outcome)
	assert.Equal(t, "HEALTH_WARN", d.Reason)
	assert.Empty(t, f.rebootRequests())
}

// TestCycleNoRebootNeeded verifies repeated cycles never request a reboot
func TestCycleNoRebootNeeded(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 30, "b": 5, "c": 29.9})
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	for i := 0; i < 5; i++ {
		d := c.Cycle(context.Background())
		assert.Equal(t, OutcomeNoRebootNeeded, d.Outcome)
		assert.Equal(t, "a", d.Candidate.Host)
	}
	assert.Empty(t, f.rebootRequests())
}

func TestCycleOutsideWindowDoesNotPoll(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45})
	c := newTestCoordinator(f, cluster.HealthOK, Config{})
	c.window = schedule.MustParse("mon", "10:00-11:00")
	c.now = func() time.Time { return time.Date(2024, 1, 6, 10, 30, 0, 0, time.UTC) }

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomeOutsideWindow, d.Outcome)
	assert.Empty(t, f.snapshot())
}

func TestCycleRefused(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45, "b": 5})
	f.refuse = protocol.MsgNotAllowedNow
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomeRefused, d.Outcome)
	assert.Equal(t, protocol.MsgNotAllowedNow, d.Reason)
}

func TestCycleSelfPolledLocally(t *testing.T) {
	f := newFakeCluster(map[string]float64{"b": 5})
	f.unreachable["a"] = true
	c := newTestCoordinator(f, cluster.HealthOK, Config{Self: "a"})
	c.local = func(context.Context) (protocol.UptimeReply, error) {
		return protocol.UptimeReply{Host: "a", Uptime: 1, MaxUptime: 30}, nil
	}

	d := c.Cycle(context.Background())
	assert.Equal(t, OutcomeNoRebootNeeded, d.Outcome)
	assert.NotContains(t, f.snapshot(), "get_uptime a")
}

func TestCycleNoncesIncrease(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45})
	f.refuse = protocol.MsgNotAllowedNow
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	for i := 0; i < 3; i++ {
		c.Cycle(context.Background())
	}
	require.Len(t, f.nonces, 3)
	assert.Less(t, f.nonces[0], f.nonces[1])
	assert.Less(t, f.nonces[1], f.nonces[2])
}

func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	go c.Start(context.Background())
	t.Cleanup(c.Stop)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// TestStartWaitsForRecovery verifies no other work happens until the
// rebooted member reports a lower uptime.
func TestStartWaitsForRecovery(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 31, "b": 5, "c": 10})
	// pending, pending, pending, then back with a fresh uptime
	f.onReboot["a"] = []float64{31, 31.001, 31.002, 0.01}
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	runCoordinator(t, c)
	waitFor(t, func() bool {
		return len(f.snapshot()) > 12
	})
	c.Stop()

	calls := f.snapshot()
	assert.Equal(t, []string{"a"}, f.rebootRequests())

	idx := -1
	for i, call := range calls {
		if call == "do_reboot a" {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Greater(t, len(calls), idx+4)
	assert.Equal(t, []string{"get_uptime a", "get_uptime a", "get_uptime a", "get_uptime a"},
		calls[idx+1:idx+5], "only the target is polled until it is back")
}

// TestStartStalledRebootIsRequestedAgain verifies a member that went away
// but came back with its old uptime is asked again on a later cycle.
func TestStartStalledRebootIsRequestedAgain(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 31, "b": 5})
	f.onReboot["a"] = []float64{-1, 31.5}
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	runCoordinator(t, c)
	waitFor(t, func() bool {
		return len(f.rebootRequests()) >= 2
	})
}

func TestStartRecoveryTimeout(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 31, "b": 5})
	f.onReboot["a"] = []float64{31}
	c := newTestCoordinator(f, cluster.HealthOK, Config{RecoveryTimeout: 30 * time.Millisecond})

	runCoordinator(t, c)
	waitFor(t, func() bool {
		return len(f.rebootRequests()) >= 2
	})
}

func TestStopInterruptsSleep(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 1})
	c := newTestCoordinator(f, cluster.HealthOK, Config{LoopInterval: time.Hour})

	go c.Start(context.Background())
	waitFor(t, func() bool { return len(f.snapshot()) > 0 })

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the loop sleep")
	}
}

func TestStartReturnsOnContextCancel(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 1})
	c := newTestCoordinator(f, cluster.HealthOK, Config{LoopInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// TestStartWithCancelledContext verifies no cycle runs once ctx is done
func TestStartWithCancelledContext(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45})
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Start(ctx)

	assert.Empty(t, f.snapshot())
}

// TestStopBeforeStart verifies a stopped coordinator never starts its loop
func TestStopBeforeStart(t *testing.T) {
	f := newFakeCluster(map[string]float64{"a": 45})
	c := newTestCoordinator(f, cluster.HealthOK, Config{})

	c.Stop()
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start ran after Stop")
	}
	assert.Empty(t, f.snapshot())
}

// TestStopRacesStart verifies Stop waits for a loop that was starting
// concurrently.
func TestStopRacesStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFakeCluster(map[string]float64{"a": 1})
		c := newTestCoordinator(f, cluster.HealthOK, Config{LoopInterval: time.Hour})

		done := make(chan struct{})
		go func() {
			c.Start(context.Background())
			close(done)
		}()
		c.Stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Start kept running after Stop returned")
		}
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "requested", OutcomeRequested.String())
	assert.Equal(t, "poll-failed", OutcomePollFailed.String())
}
