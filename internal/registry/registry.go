// Package registry keeps at most one live SSH session per server identity.
//
// Acquire is the single entry point for obtaining a session. It returns an
// existing Ready or Degraded session when there is one, waits out a
// reconnect attempt that is in flight on it, and otherwise joins
// or starts the one in-flight connection attempt for that identity, so
// concurrent callers share a single vault retrieval and a single
// authentication. Each caller's context bounds only its own wait. The
// attempt is cancelled once every waiter has gone, and a cancelled attempt
// never registers its session.
//
// Sessions are keyed by identity.Identity.Key(), which excludes the display
// name. A registered session stays registered through its own reconnects.
// A session that is lost is removed automatically, and an idle
// sweeper disconnects sessions that have had no open channels for longer
// than the idle timeout.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/gluk-w/easyscp-core/internal/database"
	"github.com/gluk-w/easyscp-core/internal/identity"
	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/logutil"
	"github.com/gluk-w/easyscp-core/internal/session"
)

// ErrClosed is returned by Acquire after CloseAll.
var ErrClosed = errors.New("registry closed")

// CredentialStore is the part of the vault the registry needs.
type CredentialStore interface {
	Retrieve(ctx context.Context, id identity.Identity) (identity.Credential, error)
}

// Config holds the idle policy.
type Config struct {
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTimeout: 10 * time.Minute, IdleSweepInterval: 30 * time.Second}
}

type Option func(*Registry)

func WithConfig(cfg Config) Option { return func(r *Registry) { r.cfg = cfg } }

// WithSessionOptions passes opts to every session the registry creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithConnectionLog records session lifecycle events in db.
func WithConnectionLog(db *gorm.DB) Option { return func(r *Registry) { r.db = db } }

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// SessionInfo is a diagnostic snapshot of one registered session.
type SessionInfo struct {
	Key      string          `json:"key"`
	State    string          `json:"state"`
	Channels int             `json:"channels"`
	IdleFor  time.Duration   `json:"idle_for"`
	Metrics  session.Metrics `json:"metrics"`
}

// attempt is one in-flight connection for an identity. All fields except
// done are guarded by Registry.mu; sess and err are final once done is
// closed.
type attempt struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int
	sess    *session.Session
	err     error
}

type Registry struct {
	store       CredentialStore
	cfg         Config
	sessionOpts []session.Option
	db          *gorm.DB
	log         zerolog.Logger
	clock       clock.Clock

	mu       sync.Mutex
	sessions map[string]*session.Session
	inflight map[string]*attempt
	closed   bool

	stop      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New returns a registry backed by store and starts its idle sweeper.
func New(store CredentialStore, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		cfg:       DefaultConfig(),
		clock:     clock.WallClock,
		sessions:  make(map[string]*session.Session),
		inflight:  make(map[string]*attempt),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	r.log = logging.For("registry")
	for _, opt := range opts {
		opt(r)
	}
	go r.sweeper()
	return r
}

// Acquire returns the live session for id, connecting one if needed.
func (r *Registry) Acquire(ctx context.Context, id identity.Identity) (*session.Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	key := id.Key()

	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := r.sessions[key]
		if !ok {
			break
		}
		st := s.State()
		if st.Live() {
			r.mu.Unlock()
			return s, nil
		}
		if !st.Transient() {
			delete(r.sessions, key)
			break
		}
		r.mu.Unlock()
		if _, err := s.AwaitSettled(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
	}
	a, ok := r.inflight[key]
	if !ok {
		actx, cancel := context.WithCancel(context.Background())
		a = &attempt{done: make(chan struct{}), cancel: cancel}
		r.inflight[key] = a
		go r.connect(actx, id, a)
	}
	a.waiters++
	r.mu.Unlock()

	select {
	case <-a.done:
		return a.sess, a.err
	case <-ctx.Done():
		r.leave(key, a)
		return nil, ctx.Err()
	}
}

// leave drops one waiter from a; the last one out cancels the attempt and
// unpublishes it so later callers start afresh.
func (r *Registry) leave(key string, a *attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.waiters--
	if a.waiters > 0 {
		return
	}
	a.cancel()
	if r.inflight[key] == a {
		delete(r.inflight, key)
	}
}

func (r *Registry) connect(ctx context.Context, id identity.Identity, a *attempt) {
	key := id.Key()
	log := r.log.With().Str("identity", logutil.SanitizeForLog(key)).Logger()

	var s *session.Session
	cred, err := r.store.Retrieve(ctx, id)
	if err != nil {
		err = fmt.Errorf("retrieve credential for %s: %w", id, err)
	} else {
		s = r.newSession(id)
		if err = s.Connect(ctx, cred); err != nil {
			s.Disconnect()
			s = nil
		}
	}

	var discard *session.Session
	r.mu.Lock()
	if r.inflight[key] == a {
		delete(r.inflight, key)
	}
	if err == nil {
		switch {
		case r.closed:
			discard, s, err = s, nil, ErrClosed
		case ctx.Err() != nil:
			discard, s, err = s, nil, ctx.Err()
		default:
			r.sessions[key] = s
		}
	}
	a.sess, a.err = s, err
	close(a.done)
	r.mu.Unlock()
	a.cancel()

	if discard != nil {
		discard.Disconnect()
	}
	if err != nil {
		log.Warn().Err(err).Msg("acquire failed")
		return
	}
	log.Info().Msg("session registered")
}

func (r *Registry) newSession(id identity.Identity) *session.Session {
	opts := append([]session.Option{session.WithClock(r.clock)}, r.sessionOpts...)
	opts = append(opts,
		session.WithCredentialSource(func(ctx context.Context) (identity.Credential, error) {
			return r.store.Retrieve(ctx, id)
		}),
		session.WithOnLost(r.onLost),
	)
	if r.db != nil {
		opts = append(opts, session.WithEventListener(r.recordEvent))
	}
	return session.New(id, opts...)
}

// onLost runs on the session's worker goroutine after the session has
// closed itself, so it only unregisters.
func (r *Registry) onLost(s *session.Session, err error) {
	key := s.Identity().Key()
	r.mu.Lock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	r.log.Warn().Err(err).Str("identity", logutil.SanitizeForLog(key)).Msg("session lost and evicted")
}

func (r *Registry) recordEvent(ev session.Event) {
	if err := database.LogConnection(r.db, ev.Identity, string(ev.Type), ev.Details); err != nil {
		r.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to write connection log")
	}
}

// OpenChannel acquires the session for id and opens a channel on it.
func (r *Registry) OpenChannel(ctx context.Context, id identity.Identity, kind session.ChannelKind, opts ...session.ChannelOption) (*session.Channel, error) {
	s, err := r.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.OpenChannel(ctx, kind, opts...)
}

// Release closes ch whether or not its session is still registered. The
// session stays open and starts its idle clock once its last channel is
// gone. A nil channel does nothing.
func (r *Registry) Release(id identity.Identity, ch *session.Channel) error {
	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil {
		r.log.Debug().Err(err).Str("identity", logutil.SanitizeForLog(id.Key())).Msg("channel close")
		return err
	}
	return nil
}

// Evict unregisters and disconnects the session for id, if any.
func (r *Registry) Evict(id identity.Identity) {
	key := id.Key()
	r.mu.Lock()
	s := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if s != nil {
		s.Disconnect()
		r.log.Info().Str("identity", logutil.SanitizeForLog(key)).Msg("session evicted")
	}
}

// Sessions returns a snapshot of the registered sessions, sorted by key.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	list := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, SessionInfo{
			Key:      s.Identity().Key(),
			State:    s.State().String(),
			Channels: s.OpenChannels(),
			IdleFor:  s.IdleFor(now),
			Metrics:  s.Metrics(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

func (r *Registry) sweeper() {
	defer close(r.sweepDone)
	if r.cfg.IdleSweepInterval <= 0 || r.cfg.IdleTimeout <= 0 {
		<-r.stop
		return
	}
	for {
		select {
		case <-r.stop:
			return
		case <-r.clock.After(r.cfg.IdleSweepInterval):
			r.sweep(r.clock.Now())
		}
	}
}

// sweep disconnects sessions idle past the timeout and drops entries that
// have closed. Sessions mid-reconnect are left alone. It returns the number
// of idle sessions disconnected.
func (r *Registry) sweep(now time.Time) int {
	var idle []*session.Session
	r.mu.Lock()
	for key, s := range r.sessions {
		st := s.State()
		if st.Transient() {
			continue
		}
		if !st.Live() {
			delete(r.sessions, key)
			continue
		}
		if s.IdleFor(now) > r.cfg.IdleTimeout {
			delete(r.sessions, key)
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.log.Info().Str("identity", logutil.SanitizeForLog(s.Identity().Key())).Msg("disconnecting idle session")
		s.Disconnect()
	}
	return len(idle)
}

// CloseAll stops the sweeper, cancels in-flight attempts and disconnects
// every session. Acquire fails with ErrClosed afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	r.closed = true
	for _, a := range r.inflight {
		a.cancel()
	}
	list := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range list {
		g.Go(s.Disconnect)
	}
	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		<-r.sweepDone
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
