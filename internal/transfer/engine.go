// Package transfer moves files over a session's SFTP channel.
//
// Uploads and downloads stream in fixed-size chunks using positional I/O, so
// a transient failure resumes at the last acknowledged offset instead of
// starting over. Chunk retries are bounded and back off with juju/retry.
// When the remote cannot reopen a partial file, the transfer restarts from
// zero once. Directory operations are single requests and are never retried.
package transfer

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/session"
)

const (
	DefaultChunkSize  = 32 * 1024
	DefaultRetries    = 3
	DefaultRetryDelay = 200 * time.Millisecond
)

// FileChannel is satisfied by session.Channel. SFTP may fail with
// session.ErrNotReady while the session reconnects.
type FileChannel interface {
	SFTP() (*sftp.Client, error)
}

var _ FileChannel = (*session.Channel)(nil)

// RemoteFS is the part of *sftp.Client the engine uses.
type RemoteFS interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	OpenFile(path string, flag int) (RemoteFile, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
}

// RemoteFile is the part of *sftp.File the engine uses.
type RemoteFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (os.FileInfo, error)
}

type sftpFS struct{ *sftp.Client }

func (s sftpFS) OpenFile(path string, flag int) (RemoteFile, error) {
	f, err := s.Client.OpenFile(path, flag)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Progress is reported after every chunk.
type Progress struct {
	Path  string
	Bytes int64
	Total int64
}

// Result describes a finished transfer.
type Result struct {
	Path     string        `json:"path"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	// Resumes counts reopen-and-continue recoveries.
	Resumes int `json:"resumes"`
	// Restarted is set when the remote could not resume and the transfer
	// began again from zero.
	Restarted bool `json:"restarted"`
}

type Engine struct {
	chunkSize   int
	retries     int
	delay       time.Duration
	maxDelay    time.Duration
	parallelism int
	clock       clock.Clock
	log         zerolog.Logger

	fsFor func(FileChannel) (RemoteFS, error)
}

type Option func(*Engine)

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithRetries sets how many times a failed chunk is retried.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithRetryDelay sets the first backoff delay and its cap.
func WithRetryDelay(delay, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if delay > 0 {
			e.delay = delay
		}
		e.maxDelay = maxDelay
	}
}

// WithParallelism bounds how many files a directory transfer moves at once.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func New(opts ...Option) *Engine {
	e := &Engine{
		chunkSize:   DefaultChunkSize,
		retries:     DefaultRetries,
		delay:       DefaultRetryDelay,
		maxDelay:    5 * time.Second,
		parallelism: 4,
		clock:       clock.WallClock,
		log:         logging.For("transfer"),
		fsFor:       channelFS,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func channelFS(ch FileChannel) (RemoteFS, error) {
	c, err := ch.SFTP()
	if err != nil {
		return nil, err
	}
	return sftpFS{c}, nil
}

func (e *Engine) remote(ch FileChannel) (RemoteFS, error) {
	fsys, err := e.fsFor(ch)
	if err != nil {
		return nil, mapError(err)
	}
	return fsys, nil
}

// retry runs fn until it succeeds, fails fatally, runs out of attempts or
// ctx ends. It returns the last underlying error.
func (e *Engine) retry(ctx context.Context, what string, fn func() error) error {
	log := e.log
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return isFatal(mapError(err)) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			log.Debug().Err(err).Int("attempt", attempt).Str("op", what).Msg("transfer step failed")
		},
		Attempts:    e.retries + 1,
		Delay:       e.delay,
		MaxDelay:    e.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	return mapError(err)
}
