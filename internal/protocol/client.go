package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// maxReplySize bounds how much of a reply the client reads.
const maxReplySize = 1024

// Client speaks the agent protocol to remote members. Every call opens a
// fresh connection; there are no persistent sessions.
type Client struct {
	// Resolve maps a member name to a dial address. When nil, the member
	// name is joined with Port.
	Resolve func(host string) string
	Port    int
	Timeout time.Duration
}

// NewClient returns a client dialing members on port with a per-request
// timeout.
func NewClient(port int, timeout time.Duration) *Client {
	return &Client{Port: port, Timeout: timeout}
}

// GetUptime queries a member's uptime and threshold.
func (c *Client) GetUptime(ctx context.Context, host string) (UptimeReply, error) {
	raw, err := c.roundTrip(ctx, host, GetUptime())
	if err != nil {
		return UptimeReply{}, err
	}
	reply, err := ParseUptimeReply(raw)
	if err != nil {
		return UptimeReply{}, fmt.Errorf("get_uptime %s: %w", host, err)
	}
	return reply, nil
}

// RequestReboot sends a signed reboot request.
func (c *Client) RequestReboot(ctx context.Context, host string, nonce int64, tag string) (RebootReply, error) {
	raw, err := c.roundTrip(ctx, host, DoReboot(nonce, tag))
	if err != nil {
		return RebootReply{}, err
	}
	reply, err := ParseRebootReply(raw)
	if err != nil {
		return RebootReply{}, fmt.Errorf("do_reboot %s: %w", host, err)
	}
	return reply, nil
}

func (c *Client) addr(host string) string {
	if c.Resolve != nil {
		return c.Resolve(host)
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// roundTrip writes one request and reads the reply until the server
// closes the connection.
func (c *Client) roundTrip(ctx context.Context, host string, req Request) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr(host))
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, req.Encode()); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", req.Command, host, err)
	}
	buf, err := io.ReadAll(io.LimitReader(conn, maxReplySize))
	if err != nil {
		return "", fmt.Errorf("read %s reply from %s: %w", req.Command, host, err)
	}
	if len(buf) == 0 {
		return "", fmt.Errorf("%s %s: %w: no reply", req.Command, host, ErrMalformedReply)
	}
	return string(buf), nil
}
