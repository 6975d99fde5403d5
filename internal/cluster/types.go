package cluster

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// Member is one polled cluster node. Uptime and MaxUptime are in days;
// the threshold is reported by the member itself, so members may carry
// different thresholds.
type Member struct {
	Host      string  `json:"host"`
	Uptime    float64 `json:"uptime"`
	MaxUptime float64 `json:"max_uptime"`
}

// Excess is how far the member is past its threshold. Positive values
// make it a reboot candidate.
func (m Member) Excess() float64 {
	return m.Uptime - m.MaxUptime
}

// HealthOracle answers questions about the storage cluster the agents
// run on. Implementations must be safe for concurrent use.
type HealthOracle interface {
	// Healthy reports whether the cluster is fully healthy. The string is
	// the raw status for logging.
	Healthy(ctx context.Context) (bool, string, error)
	// Members returns the names of the member hosts, in any order.
	Members(ctx context.Context) ([]string, error)
}

// ErrNoMembers is returned when the oracle reports an empty topology.
var ErrNoMembers = errors.New("cluster has no members")

// ResolveMembers returns the deduplicated, sorted membership.
func ResolveMembers(ctx context.Context, oracle HealthOracle) ([]string, error) {
	names, err := oracle.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve members: %w", err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil, ErrNoMembers
	}
	return out, nil
}

// Leader returns the first member of the sorted membership.
func Leader(members []string) (string, bool) {
	if len(members) == 0 {
		return "", false
	}
	return members[0], true
}

// IsLeader reports whether self is the first member of the sorted list.
func IsLeader(self string, members []string) bool {
	leader, ok := Leader(members)
	return ok && leader == self
}

// StaticOracle is a HealthOracle with a fixed answer.
type StaticOracle struct {
	Status string
	Hosts  []string
}

// Healthy reports true when Status is HEALTH_OK.
func (o StaticOracle) Healthy(context.Context) (bool, string, error) {
	return o.Status == HealthOK, o.Status, nil
}

// Members returns Hosts.
func (o StaticOracle) Members(context.Context) ([]string, error) {
	return slices.Clone(o.Hosts), nil
}
