// Package schedule decides whether the current wall-clock time falls inside
// the day and time ranges an administrator allows reboots in.
//
// Weekdays and minutes are computed numerically from time.Time rather than
// from formatted names so two nodes with different locales agree.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

var dayNames = []string{"sun", "mon", "tue", "wed", "thurs", "fri", "sat"}

var dayAliases = map[string]string{
	"tues": "tue",
	"thu":  "thurs",
}

type span struct {
	start, end int
}

func (s span) contains(v int) bool {
	return v >= s.start && v <= s.end
}

// Window is a parsed set of allowed weekdays and minute-of-day ranges.
// It is immutable and safe for concurrent use.
type Window struct {
	days    []span // weekday indices, 0 = Sunday
	minutes []span // minute of day, 0..1439
	text    string
}

// Parse builds a Window from comma-separated day ranges ("mon-thurs,sat")
// and comma-separated time ranges ("09:00-16:00,17:00-17:30"). All ranges
// are inclusive at both ends.
func Parse(days, times string) (*Window, error) {
	w := &Window{text: days + " " + times}
	var errs *multierror.Error

	for _, g := range strings.Split(days, ",") {
		s, err := parseDayRange(strings.TrimSpace(g))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		w.days = append(w.days, s)
	}
	for _, g := range strings.Split(times, ",") {
		s, err := parseTimeRange(strings.TrimSpace(g))
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		w.minutes = append(w.minutes, s)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return w, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(days, times string) *Window {
	w, err := Parse(days, times)
	if err != nil {
		panic(err)
	}
	return w
}

// Allowed reports whether now is inside both an allowed day and an
// allowed time range, using now's location.
func (w *Window) Allowed(now time.Time) bool {
	return w.DayAllowed(now.Weekday()) && w.MinuteAllowed(now.Hour()*60+now.Minute())
}

// DayAllowed reports whether d falls in any configured day range.
func (w *Window) DayAllowed(d time.Weekday) bool {
	for _, s := range w.days {
		if s.contains(int(d)) {
			return true
		}
	}
	return false
}

// MinuteAllowed reports whether the minute of day falls in any
// configured time range.
func (w *Window) MinuteAllowed(minute int) bool {
	for _, s := range w.minutes {
		if s.contains(minute) {
			return true
		}
	}
	return false
}

// String returns the configuration the window was parsed from.
func (w *Window) String() string {
	return w.text
}

func parseDayRange(g string) (span, error) {
	startName, endName, found := strings.Cut(g, "-")
	if !found {
		endName = startName
	}
	start, err := dayIndex(startName)
	if err != nil {
		return span{}, err
	}
	end, err := dayIndex(endName)
	if err != nil {
		return span{}, err
	}
	if start > end {
		return span{}, fmt.Errorf("day range %q runs backwards; split it at sat/sun", g)
	}
	return span{start, end}, nil
}

func dayIndex(name string) (int, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := dayAliases[name]; ok {
		name = alias
	}
	for i, d := range dayNames {
		if d == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", name)
}

func parseTimeRange(g string) (span, error) {
	from, to, found := strings.Cut(g, "-")
	if !found {
		return span{}, fmt.Errorf("time range %q must be HH:MM-HH:MM", g)
	}
	start, err := minuteOfDay(from)
	if err != nil {
		return span{}, err
	}
	end, err := minuteOfDay(to)
	if err != nil {
		return span{}, err
	}
	if start > end {
		return span{}, fmt.Errorf("time range %q runs backwards; split it at midnight", g)
	}
	return span{start, end}, nil
}

func minuteOfDay(hhmm string) (int, error) {
	hh, mm, found := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !found {
		return 0, fmt.Errorf("time %q must be HH:MM", hhmm)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return h*60 + m, nil
}
