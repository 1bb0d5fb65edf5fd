// Package session manages one authenticated SSH connection to one remote
// host.
//
// A Session moves through Disconnected → Connecting → Authenticating →
// Ready, and from Ready to Degraded when a keepalive request fails or the
// transport drops. A background worker owns keepalive and reconnection:
// a Degraded session that still has open channels is reconnected with
// bounded retries and returns to Ready, rebinding its file channels to the
// new transport. Exhausted retries, or a degrade with nobody using the
// session, end in Closed and a single ErrSessionLost report.
//
// Only the auth method for the credential's kind is offered to the server.
// A rejected credential is returned to the caller as ErrAuthRejected and is
// never retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/easyscp-core/internal/identity"
	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/logutil"
)

var (
	ErrNotReady      = errors.New("session not ready")
	ErrSessionLost   = errors.New("session lost")
	ErrClosed        = errors.New("session closed")
	ErrChannelClosed = errors.New("channel closed")

	// ErrAuthRejected is identity.ErrAuthRejected, re-exported so callers
	// of this package need not import identity to test for it.
	ErrAuthRejected = identity.ErrAuthRejected
)

// ConnectError is a connection failure other than credential rejection.
type ConnectError struct {
	Addr  string
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config holds the tuning values for one session.
type Config struct {
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	ReconnectAttempts   int
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      30 * time.Second,
		KeepaliveInterval:   60 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		ReconnectAttempts:   3,
		ReconnectBackoff:    1 * time.Second,
		ReconnectMaxBackoff: 16 * time.Second,
	}
}

// Dialer opens the raw transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// CredentialSource supplies the credential again when the worker has to
// reconnect. The registry backs it with the vault.
type CredentialSource func(ctx context.Context) (identity.Credential, error)

// Metrics is a snapshot of connection health counters.
type Metrics struct {
	ConnectedAt      time.Time `json:"connected_at"`
	LastHealthy      time.Time `json:"last_healthy"`
	KeepalivesOK     int       `json:"keepalives_ok"`
	KeepalivesFailed int       `json:"keepalives_failed"`
	Reconnects       int       `json:"reconnects"`
}

type Option func(*Session)

func WithConfig(cfg Config) Option { return func(s *Session) { s.cfg = cfg } }

func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(s *Session) { s.hostKeys = cb }
}

func WithCredentialSource(src CredentialSource) Option {
	return func(s *Session) { s.creds = src }
}

func WithReadFile(fn identity.ReadFileFunc) Option {
	return func(s *Session) { s.readFile = fn }
}

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// WithEventListener subscribes fn to the session's lifecycle events.
func WithEventListener(fn EventListener) Option {
	return func(s *Session) { s.events.subscribe(fn) }
}

// WithOnLost registers the callback invoked once when the session is lost.
func WithOnLost(fn func(*Session, error)) Option {
	return func(s *Session) { s.onLost = fn }
}

// KnownHosts returns a host key callback backed by OpenSSH known_hosts
// files.
func KnownHosts(files ...string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

type Session struct {
	id       identity.Identity
	cfg      Config
	dialer   Dialer
	hostKeys ssh.HostKeyCallback
	creds    CredentialSource
	readFile identity.ReadFileFunc
	clock    clock.Clock
	log      zerolog.Logger
	onLost   func(*Session, error)

	state  *stateTracker
	events *eventLog

	mu            sync.Mutex
	client        *ssh.Client
	channels      map[string]*Channel
	createdAt     time.Time
	lastActivity  time.Time
	idleSince     time.Time
	lastErr       error
	metrics       Metrics
	connectCancel context.CancelFunc
	workerCancel  context.CancelFunc
	workerDone    chan struct{}

	wake      chan string
	closeOnce sync.Once
	lost      atomic.Bool
}

// New returns a Disconnected session for id.
func New(id identity.Identity, opts ...Option) *Session {
	s := &Session{
		id:       id,
		cfg:      DefaultConfig(),
		dialer:   &net.Dialer{},
		clock:    clock.WallClock,
		state:    newStateTracker(),
		events:   &eventLog{},
		channels: make(map[string]*Channel),
		wake:     make(chan string, 1),
	}
	s.log = logging.For("session")
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("identity", logutil.SanitizeForLog(id.Key())).Logger()
	s.state.now = s.clock.Now
	if s.hostKeys == nil {
		s.hostKeys = s.acceptHostKey
	}
	return s
}

func (s *Session) acceptHostKey(hostname string, _ net.Addr, key ssh.PublicKey) error {
	s.log.Warn().
		Str("host", logutil.SanitizeForLog(hostname)).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("host key not verified; configure known hosts to enforce it")
	return nil
}

func (s *Session) Identity() identity.Identity { return s.id }

func (s *Session) State() State { return s.state.get() }

func (s *Session) Transitions() []StateTransition { return s.state.history() }

func (s *Session) OnStateChange(cb StateChangeCallback) { s.state.onChange(cb) }

// AwaitSettled blocks while a connection attempt is in flight and returns the
// state the session lands in: Ready, Degraded between attempts, or Closing
// and Closed once it is lost.
func (s *Session) AwaitSettled(ctx context.Context) (State, error) {
	for {
		st, changed := s.state.watch()
		if !st.Transient() {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func (s *Session) Events() []Event { return s.events.recent() }

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// OpenChannels returns the number of open channels.
func (s *Session) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// IdleFor reports how long the session has had no open channels, or zero
// if it has some.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) > 0 || s.idleSince.IsZero() {
		return 0
	}
	return now.Sub(s.idleSince)
}

func (s *Session) emit(t EventType, details string) {
	s.events.emit(Event{Identity: s.id.Key(), Type: t, Details: details, Timestamp: s.clock.Now()})
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Connect authenticates with cred. The timeout is the context deadline, or
// Config.ConnectTimeout if ctx has none. A credential that cannot be used
// (wrong key passphrase, kind mismatch) fails before any network I/O and
// leaves the session Disconnected. Cancelling ctx closes the session.
func (s *Session) Connect(ctx context.Context, cred identity.Credential) error {
	methods, err := cred.AuthMethods(s.id, s.readFile)
	cred.Zero()
	if err != nil {
		s.setErr(err)
		return fmt.Errorf("connect %s: %w", s.id.Address(), err)
	}

	switch st := s.State(); st {
	case StateReady:
		return nil
	case StateClosing, StateClosed:
		return ErrClosed
	}
	if !s.state.advance(StateConnecting, "connect requested", StateDisconnected) {
		return fmt.Errorf("connect %s: session is %s", s.id.Address(), s.State())
	}

	attemptCtx, cancel := s.attemptContext(ctx)
	defer cancel()
	s.mu.Lock()
	s.connectCancel = cancel
	s.mu.Unlock()

	client, err := s.establish(attemptCtx, methods)

	s.mu.Lock()
	s.connectCancel = nil
	s.mu.Unlock()

	if err != nil {
		s.setErr(err)
		if errors.Is(ctx.Err(), context.Canceled) {
			s.shutdown("connect cancelled", false)
			return fmt.Errorf("connect %s: %w", s.id.Address(), ctx.Err())
		}
		if !s.state.advance(StateDisconnected, err.Error(), StateConnecting, StateAuthenticating) {
			return ErrClosed
		}
		s.log.Warn().Err(err).Msg("connect failed")
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.state.get() != StateAuthenticating {
		s.mu.Unlock()
		client.Close()
		return ErrClosed
	}
	s.client = client
	s.createdAt = now
	s.lastActivity = now
	s.idleSince = now
	s.lastErr = nil
	s.metrics = Metrics{ConnectedAt: now, LastHealthy: now}
	s.mu.Unlock()

	if !s.state.advance(StateReady, "credential accepted", StateAuthenticating) {
		client.Close()
		return ErrClosed
	}
	s.watchTransport(client)
	s.startWorker()
	s.emit(EventConnected, s.id.Address())
	s.log.Info().Str("addr", s.id.Address()).Msg("session ready")
	return nil
}

func (s *Session) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.cfg.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ConnectTimeout)
}

// establish dials and runs the SSH handshake. The state moves to
// Authenticating once the host key has been accepted, which is the point
// where key exchange has completed and user auth begins.
func (s *Session) establish(ctx context.Context, methods []ssh.AuthMethod) (*ssh.Client, error) {
	addr := s.id.Address()
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Stage: "dial", Err: err}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var handshaken atomic.Bool
	cfg := &ssh.ClientConfig{
		User: s.id.Username,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := s.hostKeys(hostname, remote, key); err != nil {
				return err
			}
			handshaken.Store(true)
			s.state.advance(StateAuthenticating, "key exchange complete", StateConnecting)
			return nil
		},
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		stop()
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ConnectError{Addr: addr, Stage: "handshake", Err: ctxErr}
		}
		// The conn deadline can fire just before the context timer does.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, &ConnectError{Addr: addr, Stage: "handshake", Err: context.DeadlineExceeded}
		}
		if handshaken.Load() && strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s", ErrAuthRejected, s.id.Username, addr)
		}
		stage := "handshake"
		if handshaken.Load() {
			stage = "auth"
		}
		return nil, &ConnectError{Addr: addr, Stage: stage, Err: err}
	}
	if !stop() {
		sshConn.Close()
		return nil, &ConnectError{Addr: addr, Stage: "handshake", Err: ctx.Err()}
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// watchTransport degrades the session when client's transport ends for a
// reason other than our own close.
func (s *Session) watchTransport(client *ssh.Client) {
	go func() {
		err := client.Wait()
		reason := "transport closed"
		if err != nil {
			reason = fmt.Sprintf("transport closed: %v", err)
		}
		s.degrade(client, EventTransportLost, reason)
	}()
}

func (s *Session) startWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.workerCancel = cancel
	s.workerDone = done
	s.mu.Unlock()
	go s.runWorker(ctx, done)
}

// ReportTransportError lets channel users signal a transport-level I/O
// failure. It degrades a Ready session and wakes the worker.
func (s *Session) ReportTransportError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	s.degrade(client, EventTransportLost, err.Error())
}

func (s *Session) degrade(client *ssh.Client, ev EventType, reason string) {
	s.mu.Lock()
	if client == nil || s.client != client {
		s.mu.Unlock()
		return
	}
	s.lastErr = errors.New(reason)
	s.mu.Unlock()

	if !s.state.advance(StateDegraded, reason, StateReady) {
		return
	}
	s.emit(ev, reason)
	s.log.Warn().Str("reason", reason).Msg("session degraded")
	select {
	case s.wake <- reason:
	default:
	}
}

// KeepaliveTick sends one keepalive request. A failure or timeout degrades
// the session. It returns ErrNotReady unless the session is Ready.
func (s *Session) KeepaliveTick(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || s.State() != StateReady {
		return ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.KeepaliveTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		// OpenSSH answers with a failure reply; any reply proves liveness.
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = fmt.Errorf("keepalive timed out after %s", s.cfg.KeepaliveTimeout)
	}

	s.mu.Lock()
	if err != nil {
		s.metrics.KeepalivesFailed++
	} else {
		s.metrics.KeepalivesOK++
		s.metrics.LastHealthy = s.clock.Now()
	}
	s.mu.Unlock()

	if err != nil {
		s.degrade(client, EventKeepaliveFailed, fmt.Sprintf("keepalive failed: %v", err))
		return err
	}
	return nil
}

// Disconnect closes every channel and the transport, stops the worker and
// leaves the session Closed. It is safe to call more than once and from any
// state.
func (s *Session) Disconnect() error {
	s.shutdown("disconnect requested", true)
	return nil
}

// shutdown runs the Closing → Closed sequence once. wait controls whether
// to wait for the worker goroutine; the worker itself passes false.
func (s *Session) shutdown(reason string, wait bool) bool {
	ran := false
	s.closeOnce.Do(func() {
		ran = true
		s.state.advance(StateClosing, reason)

		s.mu.Lock()
		if s.connectCancel != nil {
			s.connectCancel()
		}
		cancelWorker, done := s.workerCancel, s.workerDone
		client := s.client
		s.client = nil
		chans := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			chans = append(chans, ch)
		}
		s.mu.Unlock()

		if cancelWorker != nil {
			cancelWorker()
		}
		for _, ch := range chans {
			ch.Close()
		}
		if client != nil {
			client.Close()
		}
		if wait && done != nil {
			<-done
		}
		s.state.advance(StateClosed, reason, StateClosing)
		s.emit(EventDisconnected, reason)
		s.log.Info().Str("reason", reason).Msg("session closed")
	})
	return ran
}

// lose closes the session and reports err once through the OnLost
// callback.
func (s *Session) lose(err error) {
	s.setErr(err)
	if !s.shutdown(err.Error(), false) {
		return
	}
	s.lost.Store(true)
	s.emit(EventSessionLost, err.Error())
	s.log.Error().Err(err).Msg("session lost")
	if s.onLost != nil {
		s.onLost(s, err)
	}
}

// Lost reports whether the session ended through ErrSessionLost.
func (s *Session) Lost() bool { return s.lost.Load() }

func (s *Session) currentClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrClosed
	}
	return s.client, nil
}
