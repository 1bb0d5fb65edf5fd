package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/gluk-w/easyscp-core/internal/identity"
	"github.com/gluk-w/easyscp-core/internal/session"
	"github.com/gluk-w/easyscp-core/internal/sshtest"
)

var errLinkDown = errors.New("connection lost")

func testEngine(m *memFS, opts ...Option) *Engine {
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithRetries(2),
		WithRetryDelay(time.Millisecond, 5*time.Millisecond),
	}, opts...)
	e := New(opts...)
	if m != nil {
		memFSOf(e, m)
	}
	return e
}

func writeLocal(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	p := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	return p, data
}

func TestUploadStreamsInChunks(t *testing.T) {
	m := newMemFS()
	e := testEngine(m)
	local, data := writeLocal(t, 100*1024+7)

	var progress []Progress
	res, err := e.Upload(context.Background(), nil, local, "/payload.bin", func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Bytes != int64(len(data)) || res.Resumes != 0 || res.Restarted {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Equal(m.data("/payload.bin"), data) {
		t.Error("remote content differs")
	}
	if len(progress) != 4 {
		t.Fatalf("progress calls = %d, want 4", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Bytes != int64(len(data)) || last.Total != int64(len(data)) || last.Path != "/payload.bin" {
		t.Errorf("last progress = %+v", last)
	}
}

func TestUploadInterruptedReportsBytesCompleted(t *testing.T) {
	m := newMemFS()
	m.writeHook = func(off int64, n int) error {
		if off >= 4<<20 {
			return errLinkDown
		}
		return nil
	}
	e := testEngine(m)
	local, _ := writeLocal(t, 10<<20)

	res, err := e.Upload(context.Background(), nil, local, "/big.bin", nil)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("err = %T, want *TransferError", err)
	}
	if te.BytesCompleted != 4194304 {
		t.Errorf("BytesCompleted = %d, want 4194304", te.BytesCompleted)
	}
	if !errors.Is(err, errLinkDown) {
		t.Errorf("err does not wrap the transport error: %v", err)
	}
	if res.Bytes != te.BytesCompleted {
		t.Errorf("result bytes = %d", res.Bytes)
	}
	if got := len(m.data("/big.bin")); got != 4194304 {
		t.Errorf("partial remote size = %d", got)
	}
}

func TestUploadResumesAfterTransientFailure(t *testing.T) {
	m := newMemFS()
	failed := false
	m.writeHook = func(off int64, n int) error {
		if off == 64*1024 && !failed {
			failed = true
			return errLinkDown
		}
		return nil
	}
	e := testEngine(m)
	local, data := writeLocal(t, 200*1024)

	res, err := e.Upload(context.Background(), nil, local, "/f.bin", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Resumes != 1 || res.Restarted {
		t.Errorf("result = %+v, want one resume without restart", res)
	}
	if !bytes.Equal(m.data("/f.bin"), data) {
		t.Error("remote content differs")
	}
	flags := m.openFlags()
	if len(flags) != 2 || flags[0]&os.O_TRUNC == 0 || flags[1]&os.O_TRUNC != 0 {
		t.Errorf("open flags = %v, want create+trunc then plain reopen", flags)
	}
}

func TestUploadRestartsWhenResumeUnsupported(t *testing.T) {
	m := newMemFS()
	m.openHook = func(_ string, flag int) error {
		if flag&os.O_TRUNC == 0 {
			return sftp.ErrSSHFxOpUnsupported
		}
		return nil
	}
	failed := false
	m.writeHook = func(off int64, n int) error {
		if off == 32*1024 && !failed {
			failed = true
			return errLinkDown
		}
		return nil
	}
	e := testEngine(m)
	local, data := writeLocal(t, 96*1024)

	res, err := e.Upload(context.Background(), nil, local, "/f.bin", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !res.Restarted || res.Bytes != int64(len(data)) {
		t.Errorf("result = %+v, want restarted", res)
	}
	if !bytes.Equal(m.data("/f.bin"), data) {
		t.Error("remote content differs")
	}
}

func TestUploadPermissionDeniedNotRetried(t *testing.T) {
	m := newMemFS()
	m.openHook = func(string, int) error { return os.ErrPermission }
	e := testEngine(m)
	local, _ := writeLocal(t, 10)

	_, err := e.Upload(context.Background(), nil, local, "/f.bin", nil)
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrPermissionDenied and ErrTransferFailed", err)
	}
	if n := len(m.openFlags()); n != 1 {
		t.Errorf("open attempts = %d, want 1", n)
	}
}

func TestUploadMissingRemoteDir(t *testing.T) {
	e := testEngine(newMemFS())
	local, _ := writeLocal(t, 10)

	_, err := e.Upload(context.Background(), nil, local, "/nope/f.bin", nil)
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("err = %v, want ErrPathNotFound", err)
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	e := testEngine(newMemFS())
	_, err := e.Upload(context.Background(), nil, filepath.Join(t.TempDir(), "absent"), "/f.bin", nil)
	if !errors.Is(err, ErrPathNotFound) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadEmptyFile(t *testing.T) {
	m := newMemFS()
	e := testEngine(m)
	local, _ := writeLocal(t, 0)

	res, err := e.Upload(context.Background(), nil, local, "/empty", nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Bytes != 0 {
		t.Errorf("bytes = %d", res.Bytes)
	}
	if _, err := m.Stat("/empty"); err != nil {
		t.Errorf("remote file not created: %v", err)
	}
}

func TestUploadCancelled(t *testing.T) {
	m := newMemFS()
	e := testEngine(m)
	local, _ := writeLocal(t, 256*1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := e.Upload(ctx, nil, local, "/f.bin", func(p Progress) {
		if p.Bytes >= 64*1024 {
			cancel()
		}
	})
	var te *TransferError
	if !errors.As(err, &te) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want TransferError wrapping context.Canceled", err)
	}
	if te.BytesCompleted != 64*1024 {
		t.Errorf("BytesCompleted = %d, want %d", te.BytesCompleted, 64*1024)
	}
}

func TestUploadWaitsForReconnect(t *testing.T) {
	m := newMemFS()
	e := testEngine(m, WithRetries(5))
	calls := 0
	e.fsFor = func(FileChannel) (RemoteFS, error) {
		calls++
		if calls <= 2 {
			return nil, session.ErrNotReady
		}
		return m, nil
	}
	local, data := writeLocal(t, 1000)

	if _, err := e.Upload(context.Background(), nil, local, "/f.bin", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !bytes.Equal(m.data("/f.bin"), data) {
		t.Error("remote content differs")
	}
}

func TestUploadClosedChannelNotRetried(t *testing.T) {
	e := testEngine(nil)
	calls := 0
	e.fsFor = func(FileChannel) (RemoteFS, error) {
		calls++
		return nil, session.ErrChannelClosed
	}
	local, _ := writeLocal(t, 10)

	if _, err := e.Upload(context.Background(), nil, local, "/f.bin", nil); !errors.Is(err, session.ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func seedRemote(t *testing.T, m *memFS, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	m.files[name] = data
	return data
}

func TestDownloadResumes(t *testing.T) {
	m := newMemFS()
	data := seedRemote(t, m, "/r.bin", 150*1024)
	failed := false
	m.readHook = func(off int64) error {
		if off == 96*1024 && !failed {
			failed = true
			return errLinkDown
		}
		return nil
	}
	e := testEngine(m)
	local := filepath.Join(t.TempDir(), "r.bin")

	res, err := e.Download(context.Background(), nil, "/r.bin", local, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Resumes != 1 || res.Bytes != int64(len(data)) {
		t.Errorf("result = %+v", res)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read local: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("local content differs")
	}
}

func TestDownloadFailureRemovesPartial(t *testing.T) {
	m := newMemFS()
	seedRemote(t, m, "/r.bin", 200*1024)
	m.readHook = func(off int64) error {
		if off >= 64*1024 {
			return errLinkDown
		}
		return nil
	}
	e := testEngine(m)
	local := filepath.Join(t.TempDir(), "r.bin")

	_, err := e.Download(context.Background(), nil, "/r.bin", local, nil)
	var te *TransferError
	if !errors.As(err, &te) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if te.BytesCompleted != 64*1024 {
		t.Errorf("BytesCompleted = %d, want %d", te.BytesCompleted, 64*1024)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("partial local file left behind: %v", err)
	}
}

func TestDownloadCancelledRemovesPartial(t *testing.T) {
	m := newMemFS()
	seedRemote(t, m, "/r.bin", 200*1024)
	e := testEngine(m)
	local := filepath.Join(t.TempDir(), "r.bin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := e.Download(ctx, nil, "/r.bin", local, func(Progress) { cancel() })
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("partial local file left behind: %v", err)
	}
}

func TestDownloadMissingRemote(t *testing.T) {
	e := testEngine(newMemFS())
	local := filepath.Join(t.TempDir(), "r.bin")

	_, err := e.Download(context.Background(), nil, "/absent", local, nil)
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("err = %v, want ErrPathNotFound", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Error("local file created for missing remote")
	}
}

func TestListSortsDirectoriesFirst(t *testing.T) {
	m := newMemFS()
	m.dirs["/home"] = true
	m.dirs["/home/zeta"] = true
	m.dirs["/home/alpha"] = true
	m.files["/home/b.txt"] = []byte("bb")
	m.files["/home/a.txt"] = []byte("a")
	e := testEngine(m)

	entries, err := e.List(context.Background(), nil, "/home")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name)
	}
	want := []string{"alpha", "zeta", "a.txt", "b.txt"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
	if entries[0].Kind != KindDir || entries[0].Permissions != "755" || entries[0].Symbolic != "drwxr-xr-x" {
		t.Errorf("dir entry = %+v", entries[0])
	}
	if entries[3].Kind != KindFile || entries[3].Size != 2 || entries[3].Path != "/home/b.txt" || entries[3].Permissions != "644" {
		t.Errorf("file entry = %+v", entries[3])
	}
}

func TestSingleRequestsNotRetried(t *testing.T) {
	m := newMemFS()
	e := testEngine(m)
	ctx := context.Background()

	if err := e.Mkdir(ctx, nil, "/a/b"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Mkdir without parent: %v", err)
	}
	if err := e.Remove(ctx, nil, "/absent"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Remove absent: %v", err)
	}
	if err := e.Rename(ctx, nil, "/absent", "/x"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Rename absent: %v", err)
	}
	calls := 0
	e.fsFor = func(FileChannel) (RemoteFS, error) {
		calls++
		return nil, session.ErrNotReady
	}
	if err := e.Mkdir(ctx, nil, "/a"); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("Mkdir while not ready: %v", err)
	}
	if calls != 1 {
		t.Errorf("Mkdir attempts = %d, want 1", calls)
	}
}

// pipeClient serves the local filesystem over an in-process SFTP server.
func pipeClient(t *testing.T) *sftp.Client {
	t.Helper()
	sr, cw := io.Pipe()
	cr, sw := io.Pipe()
	srv, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw})
	if err != nil {
		t.Fatalf("sftp server: %v", err)
	}
	go srv.Serve()
	client, err := sftp.NewClientPipe(cr, cw)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client
}

type clientChannel struct{ c *sftp.Client }

func (c clientChannel) SFTP() (*sftp.Client, error) { return c.c, nil }

func TestSFTPListMissingPath(t *testing.T) {
	ch := clientChannel{pipeClient(t)}
	e := testEngine(nil)

	entries, err := e.List(context.Background(), ch, filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("err = %v, want ErrPathNotFound", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
}

func TestSFTPOperations(t *testing.T) {
	ch := clientChannel{pipeClient(t)}
	e := testEngine(nil)
	ctx := context.Background()
	root := t.TempDir()

	dir := filepath.Join(root, "docs")
	if err := e.Mkdir(ctx, ch, dir); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.Chmod(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := e.List(ctx, ch, root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "docs" || entries[1].Name != "note.txt" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Permissions != "750" || entries[1].Permissions != "600" || entries[1].Size != 5 {
		t.Errorf("entries = %+v", entries)
	}

	ent, err := e.Stat(ctx, ch, filepath.Join(root, "note.txt"))
	if err != nil || ent.Kind != KindFile || ent.Symbolic != "-rw-------" {
		t.Errorf("Stat = %+v, %v", ent, err)
	}

	moved := filepath.Join(dir, "note.txt")
	if err := e.Rename(ctx, ch, filepath.Join(root, "note.txt"), moved); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := e.Remove(ctx, ch, dir); err == nil {
		t.Error("Remove of non-empty directory succeeded")
	}
	if err := e.Remove(ctx, ch, moved); err != nil {
		t.Fatalf("Remove file: %v", err)
	}
	if err := e.Remove(ctx, ch, dir); err != nil {
		t.Fatalf("Remove empty dir: %v", err)
	}
	if _, err := e.Stat(ctx, ch, dir); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Stat removed dir: %v", err)
	}
}

func TestSFTPRoundTrip(t *testing.T) {
	ch := clientChannel{pipeClient(t)}
	e := testEngine(nil, WithChunkSize(8*1024))
	local, data := writeLocal(t, 70*1024+3)
	remote := filepath.Join(t.TempDir(), "up.bin")

	if _, err := e.Upload(context.Background(), ch, local, remote, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	back := filepath.Join(t.TempDir(), "down.bin")
	res, err := e.Download(context.Background(), ch, remote, back, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(back)
	if !bytes.Equal(got, data) || res.Bytes != int64(len(data)) {
		t.Errorf("round trip mismatch: %d bytes", len(got))
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	ch := clientChannel{pipeClient(t)}
	e := testEngine(nil, WithParallelism(2))
	ctx := context.Background()

	src := t.TempDir()
	files := map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "bravo",
		"sub/deep/c.md": "charlie",
	}
	for rel, content := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(p), 0o755)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	remote := filepath.Join(t.TempDir(), "tree")
	up, err := e.UploadDir(ctx, ch, src, remote, nil)
	if err != nil {
		t.Fatalf("UploadDir: %v", err)
	}
	if up.Files != 3 || up.Dirs != 4 || up.Bytes != 17 {
		t.Errorf("upload result = %+v", up)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	down, err := e.DownloadDir(ctx, ch, remote, dst, nil)
	if err != nil {
		t.Fatalf("DownloadDir: %v", err)
	}
	if down.Files != 3 || down.Dirs != 4 {
		t.Errorf("download result = %+v", down)
	}
	for rel, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil || string(got) != content {
			t.Errorf("%s = %q, %v", rel, got, err)
		}
	}
	if fi, err := os.Stat(filepath.Join(dst, "empty")); err != nil || !fi.IsDir() {
		t.Errorf("empty dir not copied: %v", err)
	}
}

func TestSessionFileChannel(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	id := identity.Identity{
		Name:     "files",
		Host:     srv.Host(),
		Port:     srv.Port(),
		Username: srv.Username(),
		AuthKind: identity.AuthPassword,
	}
	s := session.New(id, session.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { s.Disconnect() })
	if err := s.Connect(context.Background(), identity.Password("pw")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, err := s.OpenChannel(context.Background(), session.KindFile)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer ch.Close()

	e := testEngine(nil)
	local, data := writeLocal(t, 50*1024)
	remote := filepath.Join(t.TempDir(), "over-ssh.bin")
	if _, err := e.Upload(context.Background(), ch, local, remote, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("remote file mismatch: %v", err)
	}

	ch.Close()
	if _, err := e.List(context.Background(), ch, filepath.Dir(remote)); !errors.Is(err, session.ErrChannelClosed) {
		t.Errorf("List on closed channel: %v", err)
	}
}
