package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/gluk-w/easyscp-core/internal/logutil"
)

// remoteFile is a remote handle that can be dropped after an I/O error and
// reopened, possibly on a rebound SFTP client, at the same path.
type remoteFile struct {
	e    *Engine
	ch   FileChannel
	path string
	f    RemoteFile
}

func (r *remoteFile) open(flag int) error {
	fsys, err := r.e.remote(r.ch)
	if err != nil {
		return err
	}
	f, err := fsys.OpenFile(r.path, flag)
	if err != nil {
		return err
	}
	r.f = f
	return nil
}

func (r *remoteFile) drop() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

// Upload copies localPath to remotePath chunk by chunk. A failed chunk is
// retried after reopening the remote file without truncation, so the
// transfer continues from the last acknowledged offset. If the remote cannot
// reopen the partial file, the upload starts again from zero once.
func (e *Engine) Upload(ctx context.Context, ch FileChannel, localPath, remotePath string, onProgress func(Progress)) (Result, error) {
	start := e.clock.Now()
	res := Result{Path: remotePath}
	log := e.log.With().Str("op", "upload").Str("path", logutil.SanitizeForLog(remotePath)).Logger()

	src, err := os.Open(localPath)
	if err != nil {
		return res, &TransferError{Op: "upload", Path: remotePath, Err: mapError(err)}
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return res, &TransferError{Op: "upload", Path: remotePath, Err: fmt.Errorf("%w: %w", errLocal, err)}
	}
	if info.IsDir() {
		return res, &TransferError{Op: "upload", Path: remotePath, Err: fmt.Errorf("%w: %s is a directory", errLocal, localPath)}
	}
	total := info.Size()

	rf := &remoteFile{e: e, ch: ch, path: remotePath}
	defer rf.drop()

	var offset int64
	fail := func(err error) (Result, error) {
		res.Bytes = offset
		res.Duration = e.clock.Now().Sub(start)
		log.Warn().Err(err).Int64("bytes", offset).Msg("transfer failed")
		return res, &TransferError{Op: "upload", Path: remotePath, BytesCompleted: offset, Err: err}
	}
	create := func() error { return rf.open(os.O_WRONLY | os.O_CREATE | os.O_TRUNC) }

	if err := e.retry(ctx, "create", create); err != nil {
		return fail(err)
	}

	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, err := src.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fail(fmt.Errorf("%w: read %s: %w", errLocal, localPath, err))
		}
		if n == 0 {
			break
		}
		chunk := buf[:n]
		at := offset
		err = e.retry(ctx, "write", func() error {
			if rf.f == nil {
				if err := rf.open(os.O_WRONLY); err != nil {
					if isUnsupported(err) || errors.Is(mapError(err), ErrPathNotFound) {
						return fmt.Errorf("%w: %w", errRestart, err)
					}
					return err
				}
				res.Resumes++
				log.Debug().Int64("offset", at).Msg("resuming")
			}
			if _, err := rf.f.WriteAt(chunk, at); err != nil {
				rf.drop()
				if isUnsupported(err) {
					return fmt.Errorf("%w: %w", errRestart, err)
				}
				return err
			}
			return nil
		})
		if errors.Is(err, errRestart) && !res.Restarted {
			log.Info().Err(err).Int64("offset", offset).Msg("remote cannot resume, restarting from zero")
			res.Restarted = true
			offset = 0
			if err := e.retry(ctx, "create", create); err != nil {
				return fail(err)
			}
			continue
		}
		if err != nil {
			return fail(err)
		}
		offset += int64(n)
		if onProgress != nil {
			onProgress(Progress{Path: remotePath, Bytes: offset, Total: total})
		}
	}

	if rf.f != nil {
		err := rf.f.Close()
		rf.f = nil
		if err != nil {
			return fail(mapError(err))
		}
	}
	res.Bytes = offset
	res.Duration = e.clock.Now().Sub(start)
	log.Info().Int64("bytes", offset).Dur("elapsed", res.Duration).Int("resumes", res.Resumes).Msg("transfer complete")
	return res, nil
}

// Download copies remotePath to localPath. Failed reads are retried at the
// last offset written locally. On any unrecoverable failure, including
// cancellation, the partial local file is removed.
func (e *Engine) Download(ctx context.Context, ch FileChannel, remotePath, localPath string, onProgress func(Progress)) (Result, error) {
	start := e.clock.Now()
	res := Result{Path: localPath}
	log := e.log.With().Str("op", "download").Str("path", logutil.SanitizeForLog(remotePath)).Logger()

	rf := &remoteFile{e: e, ch: ch, path: remotePath}
	defer rf.drop()

	if err := e.retry(ctx, "open", func() error { return rf.open(os.O_RDONLY) }); err != nil {
		log.Warn().Err(err).Msg("transfer failed")
		return res, &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	total := int64(-1)
	perm := fs.FileMode(0o644)
	if fi, err := rf.f.Stat(); err == nil {
		total = fi.Size()
		if p := fi.Mode().Perm(); p != 0 {
			perm = p
		}
	}

	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return res, &TransferError{Op: "download", Path: remotePath, Err: fmt.Errorf("%w: %w", errLocal, mapError(err))}
	}

	var offset int64
	fail := func(err error) (Result, error) {
		dst.Close()
		if rerr := os.Remove(localPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warn().Err(rerr).Msg("failed to remove partial download")
		}
		res.Bytes = offset
		res.Duration = e.clock.Now().Sub(start)
		log.Warn().Err(err).Int64("bytes", offset).Msg("transfer failed")
		return res, &TransferError{Op: "download", Path: remotePath, BytesCompleted: offset, Err: err}
	}

	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		var (
			n   int
			eof bool
		)
		at := offset
		err := e.retry(ctx, "read", func() error {
			if rf.f == nil {
				if err := rf.open(os.O_RDONLY); err != nil {
					return err
				}
				res.Resumes++
				log.Debug().Int64("offset", at).Msg("resuming")
			}
			m, err := rf.f.ReadAt(buf, at)
			if err != nil && !errors.Is(err, io.EOF) {
				rf.drop()
				return err
			}
			n, eof = m, err != nil
			return nil
		})
		if err != nil {
			return fail(err)
		}
		if n > 0 {
			if _, err := dst.WriteAt(buf[:n], offset); err != nil {
				return fail(fmt.Errorf("%w: write %s: %w", errLocal, localPath, err))
			}
			offset += int64(n)
			if onProgress != nil {
				onProgress(Progress{Path: remotePath, Bytes: offset, Total: total})
			}
		}
		if eof || n == 0 {
			break
		}
	}

	if err := dst.Close(); err != nil {
		return fail(fmt.Errorf("%w: close %s: %w", errLocal, localPath, err))
	}
	res.Bytes = offset
	res.Duration = e.clock.Now().Sub(start)
	log.Info().Int64("bytes", offset).Dur("elapsed", res.Duration).Int("resumes", res.Resumes).Msg("transfer complete")
	return res, nil
}
