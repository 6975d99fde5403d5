// Package auth implements the handshake that proves a reboot request
// comes from a cluster member: both sides hash the request nonce together
// with a shared secret, and the receiver keeps a per-host ledger of
// accepted nonces so a captured request cannot be replayed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/rebootd/internal/storage"
)

// Validation failures, in the order they are checked.
var (
	ErrNonceBeforeStart   = errors.New("nonce predates process start")
	ErrNonceNotIncreasing = errors.New("nonce not monotonically increasing")
	ErrTagMismatch        = errors.New("tag mismatch")
)

// Authenticator computes and verifies handshake tags and owns the nonce
// ledger of one agent process. Safe for concurrent use.
type Authenticator struct {
	secrets SecretProvider
	log     *logrus.Logger
	ledger  storage.Ledger // remote host -> highest accepted nonce
	start   int64
	mu      sync.Mutex
}

// NewAuthenticator creates an Authenticator whose nonce floor is the
// current time of clock, in Unix seconds.
func NewAuthenticator(secrets SecretProvider, clock Clock, logger *logrus.Logger) *Authenticator {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Authenticator{
		secrets: secrets,
		log:     logger,
		ledger:  storage.NewMemoryLedger(),
		start:   clock.Now().Unix(),
	}
}

// StartTime returns the nonce floor.
func (a *Authenticator) StartTime() int64 {
	return a.start
}

// ComputeTag fetches the current secret and binds it to nonce.
func (a *Authenticator) ComputeTag(ctx context.Context, nonce int64) (Tag, error) {
	secret, err := a.secrets.Secret(ctx)
	if err != nil {
		return Tag{}, fmt.Errorf("compute tag: %w", err)
	}
	return MakeTag(nonce, secret), nil
}

// Validate checks a reboot request from remote. Checks run in order and
// the first failure is returned. The ledger entry for remote only advances
// when every check has passed.
//
// Parameters:
//   - ctx: Bounds the secret lookup
//   - remote: Requester identity, the peer IP
//   - nonce: Requester's Unix-second nonce
//   - remoteTag: Hex tag sent with the request
//
// Returns:
//   - ErrNonceBeforeStart: nonce predates this process
//   - ErrNonceNotIncreasing: nonce is not above the last one accepted from remote
//   - ErrTagMismatch: tag is malformed or does not match
//   - a wrapped provider error if the secret cannot be read
//   - nil if the request is authentic and fresh
func (a *Authenticator) Validate(ctx context.Context, remote string, nonce int64, remoteTag string) error {
	fields := logrus.Fields{"peer": remote, "nonce": nonce}

	if nonce < a.start {
		a.log.WithFields(fields).WithField("start", a.start).
			Error("security check failed: nonce must not predate process start")
		return ErrNonceBeforeStart
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, err := a.ledger.Last(remote); err == nil && nonce <= prev {
		a.log.WithFields(fields).WithField("prev_nonce", prev).
			Error("security check failed: nonce must be higher than previously used nonce")
		return ErrNonceNotIncreasing
	}

	want, err := a.ComputeTag(ctx, nonce)
	if err != nil {
		a.log.WithFields(fields).WithError(err).Error("security check failed: no local tag")
		return err
	}
	got, err := ParseTag(remoteTag)
	if err != nil || !got.Equal(want) {
		a.log.WithFields(fields).WithFields(logrus.Fields{
			"remote_tag": remoteTag,
			"local_tag":  want.String(),
		}).Error("security check failed: tag mismatch")
		return ErrTagMismatch
	}

	if err := a.ledger.Advance(remote, nonce); err != nil {
		return ErrNonceNotIncreasing
	}
	a.log.WithFields(fields).WithField("peers", a.ledger.Stats().Peers).Debug("nonce accepted")
	return nil
}

// LastNonce returns the highest nonce accepted from remote.
func (a *Authenticator) LastNonce(remote string) (int64, bool) {
	n, err := a.ledger.Last(remote)
	return n, err == nil
}

// NonceSource issues requester nonces: the current Unix second, bumped
// past the previous value when the clock has not advanced.
type NonceSource struct {
	clock Clock
	last  int64
	mu    sync.Mutex
}

// NewNonceSource returns a NonceSource reading clock.
func NewNonceSource(clock Clock) *NonceSource {
	if clock == nil {
		clock = realClock{}
	}
	return &NonceSource{clock: clock}
}

// Next returns a nonce strictly greater than any previously returned.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.clock.Now().Unix()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}
