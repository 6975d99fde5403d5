package system

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PretendUptime overrides the reported uptime for selected hosts.
// It exists for dry-run rehearsals where real uptimes are too low to
// trigger any reboot.
type PretendUptime struct {
	Source UptimeSource
	Days   map[string]float64
	Host   string
}

// Uptime returns the pretended value for Host if one is configured,
// otherwise the underlying source's value.
func (p PretendUptime) Uptime(ctx context.Context) (time.Duration, error) {
	if days, ok := p.Days[p.Host]; ok {
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return p.Source.Uptime(ctx)
}

// ParsePretend parses "host=days,host=days".
func ParsePretend(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		host, val, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || host == "" {
			return nil, fmt.Errorf("invalid pretend entry %q, want host=days", pair)
		}
		days, err := strconv.ParseFloat(val, 64)
		if err != nil || days < 0 {
			return nil, fmt.Errorf("invalid pretend uptime for %s: %q", host, val)
		}
		out[host] = days
	}
	return out, nil
}
