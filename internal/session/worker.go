package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/retry"
)

// credentialError marks a failure to obtain the credential for a
// reconnect. It is not retried.
type credentialError struct{ err error }

func (e *credentialError) Error() string { return "load credential: " + e.err.Error() }
func (e *credentialError) Unwrap() error { return e.err }

// runWorker is the single background goroutine of a live session. It sends
// keepalives on a ticker and runs reconnection when the session degrades.
func (s *Session) runWorker(ctx context.Context, done chan struct{}) {
	defer close(done)

	tick := s.clock.After(s.cfg.KeepaliveInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if s.State() == StateReady {
				s.KeepaliveTick(ctx)
			}
			tick = s.clock.After(s.cfg.KeepaliveInterval)
		case reason := <-s.wake:
			if !s.recoverSession(ctx, reason) {
				return
			}
		}
	}
}

// recoverSession handles a Degraded session. It reports whether the
// session is usable again.
func (s *Session) recoverSession(ctx context.Context, reason string) bool {
	s.mu.Lock()
	stale := s.client
	callers := len(s.channels)
	s.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	if ctx.Err() != nil {
		return false
	}
	if callers == 0 {
		s.lose(fmt.Errorf("%w: %s (no open channels)", ErrSessionLost, reason))
		return false
	}
	if s.creds == nil || s.cfg.ReconnectAttempts <= 0 {
		s.lose(fmt.Errorf("%w: %s (reconnect disabled)", ErrSessionLost, reason))
		return false
	}

	s.emit(EventReconnecting, reason)
	s.log.Info().Str("reason", reason).Int("attempts", s.cfg.ReconnectAttempts).Msg("reconnecting")

	maxDelay := s.cfg.ReconnectMaxBackoff
	if maxDelay < s.cfg.ReconnectBackoff {
		maxDelay = s.cfg.ReconnectBackoff
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error { return s.reconnectOnce(ctx) },
		IsFatalError: func(err error) bool {
			var ce *credentialError
			return errors.Is(err, ErrAuthRejected) || errors.As(err, &ce) || errors.Is(err, ErrClosed) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			s.emit(EventReconnectFailed, fmt.Sprintf("attempt %d: %v", attempt, err))
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		},
		Attempts:    s.cfg.ReconnectAttempts,
		Delay:       s.cfg.ReconnectBackoff,
		MaxDelay:    maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		s.lose(fmt.Errorf("%w: reconnect failed: %v", ErrSessionLost, err))
		return false
	}

	s.emit(EventReconnectSuccess, s.id.Address())
	s.log.Info().Msg("reconnected")
	return true
}

// reconnectOnce makes one connection attempt from Degraded. On failure the
// session is left Degraded for the next attempt.
func (s *Session) reconnectOnce(ctx context.Context) error {
	if !s.state.advance(StateConnecting, "reconnect attempt", StateDegraded) {
		return ErrClosed
	}

	cred, err := s.creds(ctx)
	if err != nil {
		s.state.advance(StateDegraded, "credential unavailable", StateConnecting)
		return &credentialError{err: err}
	}
	methods, err := cred.AuthMethods(s.id, s.readFile)
	cred.Zero()
	if err != nil {
		s.state.advance(StateDegraded, err.Error(), StateConnecting)
		return err
	}

	attemptCtx, cancel := s.attemptContext(ctx)
	defer cancel()
	client, err := s.establish(attemptCtx, methods)
	if err != nil {
		s.setErr(err)
		s.state.advance(StateDegraded, err.Error(), StateConnecting, StateAuthenticating)
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	if ctx.Err() != nil || s.state.get() != StateAuthenticating {
		s.mu.Unlock()
		client.Close()
		return ErrClosed
	}
	s.client = client
	s.lastErr = nil
	s.metrics.Reconnects++
	s.metrics.ConnectedAt = now
	s.metrics.LastHealthy = now
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		if err := ch.rebind(client); err != nil {
			s.log.Warn().Err(err).Str("channel", ch.ID).Str("kind", string(ch.Kind)).Msg("channel not recovered")
			ch.Close()
		}
	}

	s.watchTransport(client)
	if !s.state.advance(StateReady, "reconnected", StateAuthenticating) {
		return ErrClosed
	}
	return nil
}
