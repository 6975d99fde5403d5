// Package coordinator provides the rolling reboot loop run by the leader.
// This file implements reachability tracking for polled members.
package coordinator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/rebootd/internal/protocol"
)

// Member reachability states.
const (
	StatusUnknown     = "unknown"
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
)

// MemberStatus is what the coordinator last saw of one member.
// Thread-safe: Protected by MemberTracker's mutex when accessed.
type MemberStatus struct {
	LastPoll         time.Time // Timestamp of the last poll attempt
	LastSeen         time.Time // Timestamp of the last answered poll
	Host             string    // Member host name
	Status           string    // "reachable", "unreachable" or "unknown"
	Uptime           float64   // Last reported uptime in days
	MaxUptime        float64   // Last reported threshold in days
	ConsecutiveFails int       // Number of consecutive failed polls
}

// MemberTracker records the outcome of every uptime poll. A member is
// reported unreachable after maxFailures consecutive failed polls. It does
// not influence reboot decisions, which require every member in every
// cycle; it only keeps the history that a single cycle cannot see.
type MemberTracker struct {
	members     map[string]*MemberStatus
	log         *logrus.Logger
	now         func() time.Time
	mu          sync.RWMutex
	maxFailures int
}

// NewMemberTracker creates an empty tracker.
func NewMemberTracker(logger *logrus.Logger, now func() time.Time) *MemberTracker {
	if logger == nil {
		logger = logrus.New()
	}
	if now == nil {
		now = time.Now
	}
	return &MemberTracker{
		members:     make(map[string]*MemberStatus),
		log:         logger,
		now:         now,
		maxFailures: 3,
	}
}

// Record stores the result of polling host.
func (t *MemberTracker) Record(host string, reply protocol.UptimeReply, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	m, exists := t.members[host]
	if !exists {
		m = &MemberStatus{Host: host, Status: StatusUnknown}
		t.members[host] = m
	}
	m.LastPoll = now

	if err != nil {
		m.ConsecutiveFails++
		if m.ConsecutiveFails >= t.maxFailures && m.Status != StatusUnreachable {
			m.Status = StatusUnreachable
			t.log.WithFields(logrus.Fields{"host": host, "fails": m.ConsecutiveFails}).
				Warn("member marked unreachable")
		}
		return
	}

	if m.Status == StatusUnreachable {
		t.log.WithField("host", host).Info("member reachable again")
	}
	m.Status = StatusReachable
	m.ConsecutiveFails = 0
	m.LastSeen = now
	m.Uptime = reply.Uptime
	m.MaxUptime = reply.MaxUptime
}

// Prune forgets members that are no longer part of hosts.
func (t *MemberTracker) Prune(hosts []string) {
	current := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		current[h] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for host := range t.members {
		if !current[host] {
			delete(t.members, host)
			t.log.WithField("host", host).Info("member left the cluster")
		}
	}
}

// All returns a copy of every tracked member keyed by host.
func (t *MemberTracker) All() map[string]*MemberStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*MemberStatus, len(t.members))
	for host, m := range t.members {
		cp := *m
		result[host] = &cp
	}
	return result
}
