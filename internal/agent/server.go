// Package agent implements the reboot agent that runs on every member.
// It answers uptime queries and, after validating the handshake and the
// schedule window, reboots its own host on request of the coordinator.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/rebootd/internal/auth"
	"github.com/dreamware/rebootd/internal/cluster"
	"github.com/dreamware/rebootd/internal/protocol"
	"github.com/dreamware/rebootd/internal/schedule"
	"github.com/dreamware/rebootd/internal/system"
)

const (
	maxRequestSize   = 1024
	rebootTimeout    = 2 * time.Minute
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the agent's own settings.
type Config struct {
	Hostname     string
	ShutdownTime string        // passed to the reboot executor, e.g. "+10"
	MaxUptime    float64       // days before this host wants a reboot
	ReadTimeout  time.Duration // per-connection request deadline
}

// Options wires a Server to its collaborators.
type Options struct {
	Auth     *auth.Authenticator
	Window   *schedule.Window
	Oracle   cluster.HealthOracle
	Uptime   system.UptimeSource
	Executor system.RebootExecutor
	Logger   *logrus.Logger
	Now      func() time.Time
	Config   Config
}

// Server is the per-node agent. Each accepted connection is handled on
// its own goroutine and carries exactly one request.
type Server struct {
	auth     *auth.Authenticator
	window   *schedule.Window
	oracle   cluster.HealthOracle
	uptime   system.UptimeSource
	exec     system.RebootExecutor
	log      *logrus.Logger
	now      func() time.Time
	listener net.Listener
	cfg      Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

// NewServer creates an agent server. Nothing is bound until Listen.
//
// Parameters:
//   - opts: Collaborators and settings. Auth, Window, Oracle, Uptime and
//     Executor are needed to answer do_reboot; get_uptime only needs
//     Uptime. Logger, Now and Config.ReadTimeout (10s) have defaults.
//
// Returns:
//   - *Server: Server ready to Listen and Serve
//
// Example:
//
//	srv := agent.NewServer(opts)
//	l, err := srv.Listen("0.0.0.0:9871")
//	if err != nil {
//		return err
//	}
//	go srv.Serve(l)
//	defer srv.Shutdown(ctx)
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.ReadTimeout <= 0 {
		opts.Config.ReadTimeout = 10 * time.Second
	}
	return &Server{
		cfg:    opts.Config,
		auth:   opts.Auth,
		window: opts.Window,
		oracle: opts.Oracle,
		uptime: opts.Uptime,
		exec:   opts.Executor,
		log:    opts.Logger,
		now:    opts.Now,
	}
}

// Listen binds the agent's TCP address. A bind failure is fatal for the
// process, so it is reported separately from Serve.
func (s *Server) Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return l, nil
}

// Serve accepts connections on l until Shutdown is called. Transient
// accept failures are logged and retried with backoff; Serve only returns
// an error when l is closed behind the server's back.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.log.WithField("addr", l.Addr().String()).Info("agent listening")
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// e.g. EMFILE; wait for descriptors to free up
			backoff = nextBackoff(backoff)
			s.log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including reboot sequences they started, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("agent stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextBackoff doubles the accept retry delay from 5ms up to one second.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	peer := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout))
	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestSize)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.WithField("peer", peer).WithError(err).Info("failed to read request")
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rebootTimeout)
	defer cancel()

	reply, then := s.Handle(ctx, peer, line)
	if reply != "" {
		if _, err := io.WriteString(conn, reply); err != nil {
			s.log.WithField("peer", peer).WithError(err).Warn("failed to send reply")
		}
	}
	conn.Close()

	if then != nil {
		then(ctx)
	}
}

// Handle dispatches one request line from peer. It returns the reply to
// send (empty for no reply) and an optional action to run once the reply
// has been delivered and the connection closed.
func (s *Server) Handle(ctx context.Context, peer, line string) (string, func(context.Context)) {
	fields := logrus.Fields{"peer": peer}
	req, err := protocol.ParseRequest(line)
	switch {
	case errors.Is(err, protocol.ErrEmptyRequest):
		s.log.WithFields(fields).Info("empty request")
		return "", nil
	case err != nil:
		s.log.WithFields(fields).WithError(err).Warn("unrecognized request")
		return "", nil
	}

	switch req.Command {
	case protocol.CmdGetUptime:
		reply, err := s.LocalUptime(ctx)
		if err != nil {
			s.log.WithFields(fields).WithError(err).Error("cannot report uptime")
			return "", nil
		}
		s.log.WithFields(fields).WithField("uptime", reply.Uptime).Debug("reporting uptime")
		return reply.Encode(), nil

	case protocol.CmdDoReboot:
		fields["nonce"] = req.Nonce
		if err := s.auth.Validate(ctx, peer, req.Nonce, req.Tag); err != nil {
			s.log.WithFields(fields).WithError(err).Error("security check failed, skipping reboot")
			return protocol.RebootReply{Message: protocol.MsgSecurityFailed}.Encode(), nil
		}
		if !s.window.Allowed(s.now()) {
			s.log.WithFields(fields).WithField("allowed", s.window.String()).
				Info("reboot is not allowed now")
			return protocol.RebootReply{Message: protocol.MsgNotAllowedNow}.Encode(), nil
		}
		s.log.WithFields(fields).Info("reboot request accepted")
		return protocol.RebootReply{OK: true, Message: protocol.MsgOK}.Encode(), s.Reboot
	}
	return "", nil
}

// LocalUptime returns this host's identity, uptime and threshold.
func (s *Server) LocalUptime(ctx context.Context) (protocol.UptimeReply, error) {
	up, err := s.uptime.Uptime(ctx)
	if err != nil {
		return protocol.UptimeReply{}, err
	}
	return protocol.UptimeReply{
		Host:      s.cfg.Hostname,
		Uptime:    system.Days(up),
		MaxUptime: s.cfg.MaxUptime,
	}, nil
}

// Reboot re-checks cluster health and local uptime, then schedules the
// reboot. The request that triggered it has already been answered, so
// every outcome is only logged.
func (s *Server) Reboot(ctx context.Context) {
	healthy, status, err := s.oracle.Healthy(ctx)
	if err != nil {
		s.log.WithError(err).Info("cannot determine health, skipping reboot")
		return
	}
	if !healthy {
		s.log.WithField("health", status).Info("health is not ok, skipping reboot")
		return
	}

	up, err := s.uptime.Uptime(ctx)
	if err != nil {
		s.log.WithError(err).Info("cannot read uptime, skipping reboot")
		return
	}
	days := system.Days(up)
	if days < s.cfg.MaxUptime {
		s.log.WithFields(logrus.Fields{"uptime": days, "max_uptime": s.cfg.MaxUptime}).
			Info("uptime is below max, skipping reboot")
		return
	}

	if err := s.exec.Schedule(ctx, s.cfg.ShutdownTime); err != nil {
		s.log.WithError(err).WithField("when", s.cfg.ShutdownTime).
			Error("shutdown and reboot failed to schedule")
	}
}
