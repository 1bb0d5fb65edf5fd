package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/gluk-w/easyscp-core/internal/logutil"
)

type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
	KindOther   Kind = "other"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	Kind    Kind        `json:"kind"`
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"mod_time"`
	Mode    fs.FileMode `json:"mode"`
	// Permissions is the octal permission string, like "755".
	Permissions string `json:"permissions"`
	// Symbolic is the ls-style mode, like "drwxr-xr-x".
	Symbolic string `json:"symbolic"`
}

func newEntry(dir string, fi fs.FileInfo) Entry {
	mode := fi.Mode()
	kind := KindOther
	switch {
	case mode.IsDir():
		kind = KindDir
	case mode&fs.ModeSymlink != 0:
		kind = KindSymlink
	case mode.IsRegular():
		kind = KindFile
	}
	return Entry{
		Name:        fi.Name(),
		Path:        path.Join(dir, fi.Name()),
		Kind:        kind,
		Size:        fi.Size(),
		ModTime:     fi.ModTime(),
		Mode:        mode,
		Permissions: fmt.Sprintf("%03o", mode.Perm()),
		Symbolic:    mode.String(),
	}
}

// List returns the entries of the remote directory p, directories first and
// then by name. It is one ReadDir round trip.
func (e *Engine) List(ctx context.Context, ch FileChannel, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fsys, err := e.remote(ch)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	infos, err := fsys.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, mapError(err))
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, newEntry(p, fi))
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Kind == KindDir, entries[j].Kind == KindDir
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Stat describes the remote path p.
func (e *Engine) Stat(ctx context.Context, ch FileChannel, p string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	fsys, err := e.remote(ch)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, err)
	}
	fi, err := fsys.Stat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", p, mapError(err))
	}
	ent := newEntry(path.Dir(p), fi)
	ent.Path = p
	return ent, nil
}

// Mkdir creates one remote directory. The parent must exist.
func (e *Engine) Mkdir(ctx context.Context, ch FileChannel, p string) error {
	return e.single(ctx, ch, "mkdir", p, func(fsys RemoteFS) error { return fsys.Mkdir(p) })
}

// Remove deletes a remote file or empty directory.
func (e *Engine) Remove(ctx context.Context, ch FileChannel, p string) error {
	return e.single(ctx, ch, "remove", p, func(fsys RemoteFS) error { return fsys.Remove(p) })
}

func (e *Engine) Rename(ctx context.Context, ch FileChannel, from, to string) error {
	return e.single(ctx, ch, "rename", from+" -> "+to, func(fsys RemoteFS) error { return fsys.Rename(from, to) })
}

// single sends one request and never retries it.
func (e *Engine) single(ctx context.Context, ch FileChannel, op, p string, fn func(RemoteFS) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fsys, err := e.remote(ch)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
	if err := fn(fsys); err != nil {
		return fmt.Errorf("%s %s: %w", op, p, mapError(err))
	}
	e.log.Debug().Str("op", op).Str("path", logutil.SanitizeForLog(p)).Msg("remote operation done")
	return nil
}
