package transfer

import (
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"
	"time"
)

// memFS is an in-memory RemoteFS with hooks for injecting failures.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	flags []int

	openHook  func(name string, flag int) error
	writeHook func(off int64, n int) error
	readHook  func(off int64) error
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

// memFSOf makes the engine use m for every channel.
func memFSOf(e *Engine, m *memFS) {
	e.fsFor = func(FileChannel) (RemoteFS, error) { return m, nil }
}

func (m *memFS) data(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.files[name]...)
}

func (m *memFS) openFlags() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.flags...)
}

type memInfo struct {
	name string
	size int64
	mode fs.FileMode
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() fs.FileMode  { return i.mode }
func (i memInfo) ModTime() time.Time { return time.Unix(1700000000, 0) }
func (i memInfo) IsDir() bool        { return i.mode.IsDir() }
func (i memInfo) Sys() any           { return nil }

func (m *memFS) ReadDir(p string) ([]os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	var out []os.FileInfo
	for name, data := range m.files {
		if path.Dir(name) == p {
			out = append(out, memInfo{name: path.Base(name), size: int64(len(data)), mode: 0o644})
		}
	}
	for name := range m.dirs {
		if name != p && path.Dir(name) == p {
			out = append(out, memInfo{name: path.Base(name), mode: fs.ModeDir | 0o755})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() > out[j].Name() })
	return out, nil
}

func (m *memFS) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return memInfo{name: path.Base(p), mode: fs.ModeDir | 0o755}, nil
	}
	if data, ok := m.files[p]; ok {
		return memInfo{name: path.Base(p), size: int64(len(data)), mode: 0o644}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (m *memFS) OpenFile(name string, flag int) (RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = append(m.flags, flag)
	if m.openHook != nil {
		if err := m.openHook(name, flag); err != nil {
			return nil, err
		}
	}
	if !m.dirs[path.Dir(name)] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	_, exists := m.files[name]
	switch {
	case !exists && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !exists || flag&os.O_TRUNC != 0:
		m.files[name] = nil
	}
	return &memFile{fs: m, name: name}, nil
}

func (m *memFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if !m.dirs[path.Dir(p)] {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	m.dirs[p] = true
	return nil
}

func (m *memFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if m.dirs[p] {
		delete(m.dirs, p)
		return nil
	}
	return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
}

func (m *memFS) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[from]
	if !ok {
		return &fs.PathError{Op: "rename", Path: from, Err: fs.ErrNotExist}
	}
	delete(m.files, from)
	m.files[to] = data
	return nil
}

type memFile struct {
	fs   *memFS
	name string
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	m := f.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeHook != nil {
		if err := m.writeHook(off, len(p)); err != nil {
			return 0, err
		}
	}
	data := m.files[f.name]
	if end := off + int64(len(p)); end > int64(len(data)) {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[off:], p)
	m.files[f.name] = data
	return len(p), nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	m := f.fs
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readHook != nil {
		if err := m.readHook(off); err != nil {
			return 0, err
		}
	}
	data := m.files[f.name]
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Stat() (os.FileInfo, error) { return f.fs.Stat(f.name) }

func (f *memFile) Close() error { return nil }
