// Package bridge connects a shell channel to a terminal buffer.
//
// Attach starts one reader goroutine, which feeds remote output into the
// buffer and publishes coalesced damage notifications, and one writer
// goroutine, which drains an ordered input queue to the channel. Writes
// never block the caller: a full queue fails with ErrBackpressure. The first
// failed channel write is reported to the session and ends input for the
// handle.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/session"
	"github.com/gluk-w/easyscp-core/internal/terminal"
)

var (
	ErrDetached     = errors.New("bridge detached")
	ErrBackpressure = errors.New("bridge write queue full")
	ErrWriteFailed  = errors.New("bridge shell write failed")
)

const (
	readBufferSize    = 32 * 1024
	DefaultQueueDepth = 256
	maxHistory        = 100
)

// ShellChannel is the part of session.Channel the bridge drives.
type ShellChannel interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	ReportTransportError(err error)
	Done() <-chan struct{}
}

// Releaser hands a channel back to its owner, which closes it.
type Releaser interface {
	Release() error
}

// ReleaseFunc adapts a function to Releaser.
type ReleaseFunc func() error

func (f ReleaseFunc) Release() error { return f() }

// Damage tells a renderer the buffer changed. Seq grows with every batch of
// output applied to the buffer.
type Damage struct {
	Seq uint64
}

type options struct {
	cols, rows int
	scrollback int
	queueDepth int
	recorder   *Recording
	log        *zerolog.Logger
}

type Option func(*options)

// WithSize sets the initial terminal size.
func WithSize(cols, rows int) Option {
	return func(o *options) { o.cols, o.rows = cols, rows }
}

func WithScrollback(lines int) Option {
	return func(o *options) { o.scrollback = lines }
}

// WithQueueDepth sets how many writes may wait for the channel.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithRecorder captures output and input into rec.
func WithRecorder(rec *Recording) Option {
	return func(o *options) { o.recorder = rec }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// Handle is one attached bridge.
type Handle struct {
	ch       ShellChannel
	releaser Releaser
	term     *terminal.Buffer
	rec      *Recording
	log      zerolog.Logger

	queue   chan []byte
	updates chan Damage
	seq     atomic.Uint64

	mu       sync.Mutex
	detached bool
	writeErr error
	history  []string

	detaching  atomic.Bool
	stopWriter chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	detachOnce sync.Once
	releaseErr error
}

// Attach starts bridging ch into a new terminal buffer. releaser is called
// exactly once, by Detach.
func Attach(ch ShellChannel, releaser Releaser, opts ...Option) *Handle {
	o := options{
		cols:       80,
		rows:       24,
		scrollback: terminal.DefaultScrollback,
		queueDepth: DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handle{
		ch:         ch,
		releaser:   releaser,
		term:       terminal.New(o.cols, o.rows, o.scrollback),
		rec:        o.recorder,
		queue:      make(chan []byte, o.queueDepth),
		updates:    make(chan Damage, 1),
		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if o.log != nil {
		h.log = *o.log
	} else {
		h.log = logging.For("bridge")
	}
	go h.readLoop()
	go h.writeLoop()
	return h
}

func (h *Handle) readLoop() {
	defer close(h.readerDone)
	defer close(h.updates)

	buf := make([]byte, readBufferSize)
	for {
		n, err := h.ch.Read(buf)
		if n > 0 {
			h.term.Write(buf[:n])
			if h.rec != nil {
				h.rec.RecordOutput(buf[:n])
			}
			h.publish(Damage{Seq: h.seq.Add(1)})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !h.detaching.Load() && !channelDone(h.ch) {
				h.log.Warn().Err(err).Msg("shell read failed")
				h.ch.ReportTransportError(err)
			}
			return
		}
	}
}

// publish replaces any undelivered notification with d. Only the reader
// sends, so the second send cannot block.
func (h *Handle) publish(d Damage) {
	select {
	case h.updates <- d:
	default:
		select {
		case <-h.updates:
		default:
		}
		h.updates <- d
	}
}

func channelDone(ch ShellChannel) bool {
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}

// writeLoop drains the queue in order. After a failed write the rest of the
// queue is discarded.
func (h *Handle) writeLoop() {
	defer close(h.writerDone)
	failed := false
	for {
		select {
		case b := <-h.queue:
			failed = failed || !h.send(b)
		case <-h.stopWriter:
			for {
				select {
				case b := <-h.queue:
					failed = failed || !h.send(b)
				default:
					return
				}
			}
		}
	}
}

func (h *Handle) send(b []byte) bool {
	_, err := h.ch.Write(b)
	if err == nil {
		if h.rec != nil {
			h.rec.RecordInput(b)
		}
		return true
	}
	h.mu.Lock()
	h.writeErr = err
	h.mu.Unlock()
	if errors.Is(err, session.ErrChannelClosed) || h.detaching.Load() || channelDone(h.ch) {
		h.log.Debug().Err(err).Int("bytes", len(b)).Msg("shell write after close")
		return false
	}
	h.log.Warn().Err(err).Int("bytes", len(b)).Msg("shell write failed")
	h.ch.ReportTransportError(err)
	return false
}

// Write queues a copy of b for the channel.
func (h *Handle) Write(b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueueLocked(b)
}

func (h *Handle) enqueueLocked(b []byte) error {
	if h.detached {
		return ErrDetached
	}
	if h.writeErr != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, h.writeErr)
	}
	cp := append([]byte(nil), b...)
	select {
	case h.queue <- cp:
		return nil
	default:
		return ErrBackpressure
	}
}

// Snippet sends cmd as typed input, followed by a newline when
// appendNewline is set, and adds it to the command history.
func (h *Handle) Snippet(cmd string, appendNewline bool) error {
	data := cmd
	if appendNewline {
		data += "\n"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enqueueLocked([]byte(data)); err != nil {
		return err
	}
	if cmd != "" && (len(h.history) == 0 || h.history[len(h.history)-1] != cmd) {
		h.history = append(h.history, cmd)
		if len(h.history) > maxHistory {
			h.history = h.history[len(h.history)-maxHistory:]
		}
	}
	return nil
}

// History returns the snippet commands sent so far, oldest first.
func (h *Handle) History() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.history...)
}

// Resize changes the remote PTY and the local buffer together.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	detached := h.detached
	h.mu.Unlock()
	if detached {
		return ErrDetached
	}
	cols = min(max(cols, 1), terminal.MaxCols)
	rows = min(max(rows, 1), terminal.MaxRows)
	if err := h.ch.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize to %dx%d: %w", cols, rows, err)
	}
	h.term.Resize(cols, rows)
	return nil
}

func (h *Handle) Snapshot() terminal.Snapshot { return h.term.Snapshot() }

// Scrollback returns up to n rendered scrollback lines, oldest first.
func (h *Handle) Scrollback(n int) []string {
	rows := h.term.Scrollback(n)
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = terminal.LineText(row)
	}
	return lines
}

// Updates delivers damage notifications. It is closed when the reader ends.
func (h *Handle) Updates() <-chan Damage { return h.updates }

// Done is closed when the reader has ended.
func (h *Handle) Done() <-chan struct{} { return h.readerDone }

// Detach flushes queued writes, releases the channel and waits for the
// reader. Later calls return the first call's result.
func (h *Handle) Detach() error {
	h.detachOnce.Do(func() {
		h.mu.Lock()
		h.detached = true
		h.mu.Unlock()

		close(h.stopWriter)
		<-h.writerDone

		h.detaching.Store(true)
		if h.releaser != nil {
			h.releaseErr = h.releaser.Release()
		}
		<-h.readerDone
	})
	return h.releaseErr
}
