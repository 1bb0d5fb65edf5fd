package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ChannelKind is the kind of sub-stream a Channel carries.
type ChannelKind string

const (
	KindShell ChannelKind = "shell"
	KindFile  ChannelKind = "file"
)

const (
	defaultCols = 80
	defaultRows = 24
	defaultTerm = "xterm-256color"
)

type channelOptions struct {
	term       string
	cols, rows int
}

type ChannelOption func(*channelOptions)

// WithPTY sets the terminal type and initial size of a shell channel.
func WithPTY(term string, cols, rows int) ChannelOption {
	return func(o *channelOptions) {
		if term != "" {
			o.term = term
		}
		if cols > 0 {
			o.cols = cols
		}
		if rows > 0 {
			o.rows = rows
		}
	}
}

// Channel is one logical stream within a Session: an interactive PTY shell
// or an SFTP file channel. It never outlives its Session.
type Channel struct {
	ID   string
	Kind ChannelKind

	session *Session

	mu     sync.Mutex
	shell  *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	sftp   *sftp.Client
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// OpenChannel opens a new channel of the given kind. It fails with
// ErrNotReady unless the session is Ready.
func (s *Session) OpenChannel(ctx context.Context, kind ChannelKind, opts ...ChannelOption) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	client, err := s.currentClient()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	o := channelOptions{term: defaultTerm, cols: defaultCols, rows: defaultRows}
	for _, opt := range opts {
		opt(&o)
	}

	ch := &Channel{ID: uuid.NewString(), Kind: kind, session: s, done: make(chan struct{})}
	switch kind {
	case KindShell:
		err = ch.openShell(client, o)
	case KindFile:
		err = ch.openFile(client)
	default:
		return nil, fmt.Errorf("unknown channel kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s channel: %w", kind, err)
	}

	s.mu.Lock()
	if s.client != client || s.state.get() != StateReady || ctx.Err() != nil {
		s.mu.Unlock()
		ch.closeResources()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: session changed while opening channel", ErrNotReady)
	}
	s.channels[ch.ID] = ch
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	s.log.Debug().Str("channel", ch.ID).Str("kind", string(kind)).Msg("channel opened")
	return ch, nil
}

func (c *Channel) openShell(client *ssh.Client, o channelOptions) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(o.term, o.rows, o.cols, modes); err != nil {
		sess.Close()
		return fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	sess.Stderr = io.Discard
	if err := sess.Shell(); err != nil {
		sess.Close()
		return fmt.Errorf("start shell: %w", err)
	}
	c.shell, c.stdin, c.stdout = sess, stdin, stdout
	return nil
}

func (c *Channel) openFile(client *ssh.Client) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	c.sftp = sc
	return nil
}

// rebind moves a surviving file channel onto a reconnected transport.
// Shell channels cannot survive: the remote shell died with the transport.
func (c *Channel) rebind(client *ssh.Client) error {
	if c.Kind != KindFile {
		return errors.New("shell channels do not survive reconnection")
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("restart sftp: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sc.Close()
		return ErrChannelClosed
	}
	old := c.sftp
	c.sftp = sc
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Read reads shell output. It returns io.EOF once the shell or the channel
// has ended.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	r := c.stdout
	c.mu.Unlock()
	if r == nil {
		return 0, fmt.Errorf("read from %s channel: %w", c.Kind, ErrChannelClosed)
	}
	n, err := r.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Write sends bytes to the remote shell.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	w := c.stdin
	closed := c.closed
	c.mu.Unlock()
	if closed || w == nil {
		return 0, fmt.Errorf("write to %s channel: %w", c.Kind, ErrChannelClosed)
	}
	n, err := w.Write(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Resize changes the PTY size of a shell channel.
func (c *Channel) Resize(cols, rows int) error {
	c.mu.Lock()
	sess := c.shell
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("resize %s channel: %w", c.Kind, ErrChannelClosed)
	}
	return sess.WindowChange(rows, cols)
}

// SFTP returns the channel's current SFTP client. While the session is
// reconnecting it returns ErrNotReady, which callers may retry.
func (c *Channel) SFTP() (*sftp.Client, error) {
	if c.Kind != KindFile {
		return nil, fmt.Errorf("%s channel has no sftp client", c.Kind)
	}
	c.mu.Lock()
	sc, closed := c.sftp, c.closed
	c.mu.Unlock()
	if closed || sc == nil {
		return nil, ErrChannelClosed
	}
	if st := c.session.State(); st != StateReady {
		return nil, fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	return sc, nil
}

// ReportTransportError forwards a transport-level failure seen on this
// channel to its session.
func (c *Channel) ReportTransportError(err error) {
	c.session.ReportTransportError(err)
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has run.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases the channel and detaches it from its session. The session
// itself stays open.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.closeResources()
		c.session.removeChannel(c.ID)
		close(c.done)
	})
	return err
}

func (c *Channel) closeResources() error {
	c.mu.Lock()
	c.closed = true
	shell, stdin, sc := c.shell, c.stdin, c.sftp
	c.mu.Unlock()

	var err error
	if stdin != nil {
		stdin.Close()
	}
	if shell != nil {
		if cerr := shell.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
	}
	if sc != nil {
		if cerr := sc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Channel) touch() {
	c.session.mu.Lock()
	c.session.lastActivity = c.session.clock.Now()
	c.session.mu.Unlock()
}

func (s *Session) removeChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return
	}
	delete(s.channels, id)
	now := s.clock.Now()
	s.lastActivity = now
	if len(s.channels) == 0 {
		s.idleSince = now
	}
}
