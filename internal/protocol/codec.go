// Package protocol implements the line-oriented wire format spoken between
// reboot agents. Each TCP connection carries exactly one request line and
// one reply, after which the server closes the connection.
//
//	get_uptime\n                 -> "<hostname> <uptime-days> <max-uptime-days>"
//	do_reboot <nonce> <hex-tag>\n -> "True ok" | "False <reason>"
//
// Uptimes are fractional days.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Request commands.
const (
	CmdGetUptime = "get_uptime"
	CmdDoReboot  = "do_reboot"
)

var (
	// ErrEmptyRequest is returned for a blank request line.
	ErrEmptyRequest = errors.New("empty request")
	// ErrUnknownRequest is returned for a request the agent does not serve.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrMalformedReply is returned when a reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed reply")
)

// Request is a decoded request line.
type Request struct {
	Command string
	Tag     string
	Nonce   int64
}

// GetUptime builds an uptime query.
func GetUptime() Request {
	return Request{Command: CmdGetUptime}
}

// DoReboot builds a signed reboot request.
func DoReboot(nonce int64, tag string) Request {
	return Request{Command: CmdDoReboot, Nonce: nonce, Tag: tag}
}

// Encode returns the request line including the trailing newline.
func (r Request) Encode() string {
	if r.Command == CmdDoReboot {
		return fmt.Sprintf("%s %d %s\n", CmdDoReboot, r.Nonce, r.Tag)
	}
	return r.Command + "\n"
}

// ParseRequest decodes one request line.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, ErrEmptyRequest
	}
	switch fields[0] {
	case CmdGetUptime:
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownRequest, line)
		}
		return GetUptime(), nil
	case CmdDoReboot:
		if len(fields) != 3 {
			return Request{}, fmt.Errorf("%w: do_reboot wants nonce and tag", ErrUnknownRequest)
		}
		nonce, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("%w: bad nonce %q", ErrUnknownRequest, fields[1])
		}
		return DoReboot(nonce, fields[2]), nil
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownRequest, fields[0])
	}
}

// UptimeReply answers get_uptime. Uptime and MaxUptime are in days.
type UptimeReply struct {
	Host      string
	Uptime    float64
	MaxUptime float64
}

// Encode returns the wire form of the reply.
func (r UptimeReply) Encode() string {
	return fmt.Sprintf("%s %s %s", r.Host, formatDays(r.Uptime), formatDays(r.MaxUptime))
}

// ParseUptimeReply decodes a get_uptime reply.
func ParseUptimeReply(s string) (UptimeReply, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return UptimeReply{}, fmt.Errorf("%w: want 3 fields, got %q", ErrMalformedReply, s)
	}
	up, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return UptimeReply{}, fmt.Errorf("%w: uptime %q", ErrMalformedReply, fields[1])
	}
	maxUp, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return UptimeReply{}, fmt.Errorf("%w: max uptime %q", ErrMalformedReply, fields[2])
	}
	if !validDays(up) {
		return UptimeReply{}, fmt.Errorf("%w: uptime %q", ErrMalformedReply, fields[1])
	}
	if !validDays(maxUp) {
		return UptimeReply{}, fmt.Errorf("%w: max uptime %q", ErrMalformedReply, fields[2])
	}
	return UptimeReply{Host: fields[0], Uptime: up, MaxUptime: maxUp}, nil
}

// validDays reports whether v is a finite, non-negative day count.
func validDays(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// RebootReply answers do_reboot.
type RebootReply struct {
	Message string
	OK      bool
}

// Reply messages sent by the agent.
const (
	MsgOK             = "ok"
	MsgSecurityFailed = "security check failed"
	MsgNotAllowedNow  = "reboot is not allowed now"
)

// Encode returns the wire form of the reply.
func (r RebootReply) Encode() string {
	status := "False"
	if r.OK {
		status = "True"
	}
	return status + " " + r.Message
}

// ParseRebootReply decodes a do_reboot reply. The message may contain
// spaces.
func ParseRebootReply(s string) (RebootReply, error) {
	s = strings.TrimSpace(s)
	status, msg, _ := strings.Cut(s, " ")
	switch status {
	case "True":
		return RebootReply{OK: true, Message: msg}, nil
	case "False":
		return RebootReply{OK: false, Message: msg}, nil
	default:
		return RebootReply{}, fmt.Errorf("%w: status %q", ErrMalformedReply, status)
	}
}

func formatDays(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}
