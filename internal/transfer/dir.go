package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DirResult summarises a directory transfer.
type DirResult struct {
	Files int   `json:"files"`
	Dirs  int   `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

type fileJob struct{ src, dst string }

// UploadDir copies the local tree under localDir to remoteDir, creating
// remote directories as needed. Files are uploaded concurrently, so
// onProgress may be called from several goroutines.
func (e *Engine) UploadDir(ctx context.Context, ch FileChannel, localDir, remoteDir string, onProgress func(Progress)) (DirResult, error) {
	var res DirResult
	var jobs []fileJob
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		dst := path.Join(remoteDir, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			if err := e.ensureRemoteDir(ctx, ch, dst); err != nil {
				return err
			}
			res.Dirs++
		case d.Type().IsRegular():
			jobs = append(jobs, fileJob{src: p, dst: dst})
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("upload dir %s: %w", localDir, mapError(err))
	}

	bytes, err := e.runJobs(ctx, jobs, func(ctx context.Context, j fileJob) (Result, error) {
		return e.Upload(ctx, ch, j.src, j.dst, onProgress)
	})
	res.Files = len(jobs)
	res.Bytes = bytes
	return res, err
}

// DownloadDir copies the remote tree under remoteDir into localDir.
// Symlinks and special files are skipped.
func (e *Engine) DownloadDir(ctx context.Context, ch FileChannel, remoteDir, localDir string, onProgress func(Progress)) (DirResult, error) {
	var res DirResult
	var jobs []fileJob

	var walk func(remote, local string) error
	walk = func(remote, local string) error {
		if err := os.MkdirAll(local, 0o755); err != nil {
			return fmt.Errorf("%w: %w", errLocal, err)
		}
		res.Dirs++
		entries, err := e.List(ctx, ch, remote)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			dst := filepath.Join(local, filepath.FromSlash(ent.Name))
			switch ent.Kind {
			case KindDir:
				if err := walk(ent.Path, dst); err != nil {
					return err
				}
			case KindFile:
				jobs = append(jobs, fileJob{src: ent.Path, dst: dst})
			}
		}
		return nil
	}
	if err := walk(remoteDir, localDir); err != nil {
		return res, fmt.Errorf("download dir %s: %w", remoteDir, err)
	}

	bytes, err := e.runJobs(ctx, jobs, func(ctx context.Context, j fileJob) (Result, error) {
		return e.Download(ctx, ch, j.src, j.dst, onProgress)
	})
	res.Files = len(jobs)
	res.Bytes = bytes
	return res, err
}

func (e *Engine) runJobs(ctx context.Context, jobs []fileJob, run func(context.Context, fileJob) (Result, error)) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	var mu sync.Mutex
	var total int64
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			r, err := run(gctx, j)
			mu.Lock()
			total += r.Bytes
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}

// ensureRemoteDir creates p unless a directory already exists there.
func (e *Engine) ensureRemoteDir(ctx context.Context, ch FileChannel, p string) error {
	ent, err := e.Stat(ctx, ch, p)
	if err == nil {
		if ent.Kind != KindDir {
			return fmt.Errorf("%s exists and is not a directory", p)
		}
		return nil
	}
	if !errors.Is(err, ErrPathNotFound) {
		return err
	}
	return e.Mkdir(ctx, ch, p)
}
