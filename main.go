package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/gluk-w/easyscp-core/internal/bridge"
	"github.com/gluk-w/easyscp-core/internal/config"
	"github.com/gluk-w/easyscp-core/internal/database"
	"github.com/gluk-w/easyscp-core/internal/identity"
	"github.com/gluk-w/easyscp-core/internal/logging"
	"github.com/gluk-w/easyscp-core/internal/registry"
	"github.com/gluk-w/easyscp-core/internal/session"
	"github.com/gluk-w/easyscp-core/internal/transfer"
	"github.com/gluk-w/easyscp-core/internal/vault"
)

const usage = `Usage: easyscp-core [--identities file] <command> [args]

Commands:
  store-password <name>            read a password from stdin and store it
  store-key <name>                 store the key file credential; passphrase from stdin
  ls <name> <path>                 list a remote directory
  get <name> <remote> <local>      download a file or directory
  put <name> <local> <remote>      upload a file or directory
  mkdir <name> <path>              create a remote directory
  rm <name> <path>                 remove a remote file or empty directory
  mv <name> <from> <to>            rename a remote path
  exec [flags] <name> <command>    run a command in a shell and print the screen
  history <name>                   show recent connection events
  rotate-key                       re-encrypt the vault under the key in $EASYSCP_NEW_VAULT_KEY
  generate-key                     print a new random vault key
  keygen <path> [comment]          create an ed25519 key file; passphrase from stdin
`

func main() {
	identitiesPath := flag.String("identities", "identities.yaml", "path to the identities file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if args[0] == "keygen" {
		if err := keygen(args[1:], os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if args[0] == "generate-key" {
		_, encoded, err := vault.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(encoded)
		return
	}

	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Options{
		Level:  config.Cfg.LogLevel,
		Pretty: config.Cfg.LogPretty,
		Path:   config.Cfg.LogPath,
		Stdout: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()
	log := logging.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(*identitiesPath, config.Cfg)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	err = a.run(ctx, args[0], args[1:])
	a.close()
	if err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type app struct {
	cfg      config.Settings
	ids      []identity.Identity
	db       *gorm.DB
	vault    *vault.Vault
	registry *registry.Registry
	engine   *transfer.Engine
	log      zerolog.Logger
}

func openApp(identitiesPath string, cfg config.Settings) (*app, error) {
	a := &app{cfg: cfg, log: logging.For("main")}

	if _, err := os.Stat(identitiesPath); err == nil {
		ids, err := identity.LoadFile(identitiesPath)
		if err != nil {
			return nil, err
		}
		a.ids = ids
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat identities: %w", err)
	}

	scheme, err := vault.ParseScheme(cfg.VaultScheme)
	if err != nil {
		return nil, err
	}
	sessionOpts, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.ConnectionLogRetention > 0 {
		n, err := database.PurgeConnections(db, time.Now().Add(-cfg.ConnectionLogRetention))
		if err != nil {
			a.log.Warn().Err(err).Msg("connection log purge failed")
		} else if n > 0 {
			a.log.Info().Int64("rows", n).Dur("retention", cfg.ConnectionLogRetention).Msg("purged connection log")
		}
	}
	a.vault = vault.Open(db, keySource(cfg), vault.WithScheme(scheme))
	a.registry = registry.New(a.vault,
		registry.WithConfig(registryConfig(cfg)),
		registry.WithSessionOptions(sessionOpts...),
		registry.WithConnectionLog(db),
	)
	a.engine = transfer.New(transferOptions(cfg)...)
	return a, nil
}

// keySource picks the passphrase-derived key when a passphrase variable is
// configured and the raw base64 key otherwise.
func keySource(cfg config.Settings) vault.KeySource {
	if cfg.VaultPassphraseEnv == "" {
		return vault.EnvKey(cfg.VaultKeyEnv)
	}
	name := cfg.VaultPassphraseEnv
	return vault.PassphraseKey(func() ([]byte, error) {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("%s is not set", name)
		}
		return []byte(v), nil
	})
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.registry.CloseAll(ctx); err != nil {
		a.log.Warn().Err(err).Msg("registry shutdown")
	}
	a.vault.Close()
	if err := database.Close(a.db); err != nil {
		a.log.Warn().Err(err).Msg("database close")
	}
}

// sessionOptions maps settings onto every session the registry creates.
func sessionOptions(cfg config.Settings) ([]session.Option, error) {
	opts := []session.Option{session.WithConfig(session.Config{
		ConnectTimeout:      cfg.ConnectTimeout,
		KeepaliveInterval:   cfg.KeepaliveInterval,
		KeepaliveTimeout:    cfg.KeepaliveTimeout,
		ReconnectAttempts:   cfg.ReconnectAttempts,
		ReconnectBackoff:    cfg.ReconnectBackoff,
		ReconnectMaxBackoff: cfg.ReconnectMaxBackoff,
	})}
	if cfg.KnownHosts != "" {
		cb, err := session.KnownHosts(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithHostKeyCallback(cb))
	}
	return opts, nil
}

func registryConfig(cfg config.Settings) registry.Config {
	return registry.Config{IdleTimeout: cfg.IdleTimeout, IdleSweepInterval: cfg.IdleSweepInterval}
}

func transferOptions(cfg config.Settings) []transfer.Option {
	return []transfer.Option{
		transfer.WithChunkSize(cfg.TransferChunkSize),
		transfer.WithRetries(cfg.TransferRetries),
	}
}

func bridgeOptions(cfg config.Settings, cols, rows int) []bridge.Option {
	return []bridge.Option{
		bridge.WithSize(cols, rows),
		bridge.WithScrollback(cfg.TerminalScrollback),
		bridge.WithQueueDepth(cfg.TerminalWriteQueue),
	}
}

func (a *app) identity(name string) (identity.Identity, error) {
	id, ok := identity.Find(a.ids, name)
	if !ok {
		return identity.Identity{}, fmt.Errorf("no server named %q in identities file", name)
	}
	return id, nil
}

func need(args []string, n int) error {
	if len(args) != n {
		return errUsage
	}
	return nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "store-password", "store-key":
		if err := need(args, 1); err != nil {
			return err
		}
		return a.storeCredential(ctx, cmd, args[0])
	case "ls":
		if err := need(args, 2); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.list(ctx, ch, args[1]) })
	case "get":
		if err := need(args, 3); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.get(ctx, ch, args[1], args[2]) })
	case "put":
		if err := need(args, 3); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.put(ctx, ch, args[1], args[2]) })
	case "mkdir":
		if err := need(args, 2); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.engine.Mkdir(ctx, ch, args[1]) })
	case "rm":
		if err := need(args, 2); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.engine.Remove(ctx, ch, args[1]) })
	case "mv":
		if err := need(args, 3); err != nil {
			return err
		}
		return a.withFiles(ctx, args[0], func(ch *session.Channel) error { return a.engine.Rename(ctx, ch, args[1], args[2]) })
	case "exec":
		return a.exec(ctx, args)
	case "history":
		if err := need(args, 1); err != nil {
			return err
		}
		return a.history(args[0])
	case "rotate-key":
		return a.rotateKey(ctx, args)
	}
	return errUsage
}

func (a *app) storeCredential(ctx context.Context, cmd, name string) error {
	id, err := a.identity(name)
	if err != nil {
		return err
	}
	switch {
	case cmd == "store-password" && id.AuthKind != identity.AuthPassword:
		return fmt.Errorf("%s uses %s authentication", name, id.AuthKind)
	case cmd == "store-key" && id.AuthKind != identity.AuthKeyFile:
		return fmt.Errorf("%s uses %s authentication", name, id.AuthKind)
	}
	secret, err := readSecret(os.Stdin)
	if err != nil {
		return err
	}
	if cmd == "store-password" && secret == "" {
		return errors.New("empty password")
	}
	if err := a.vault.Store(ctx, id, identity.ForIdentity(id, secret)); err != nil {
		return err
	}
	fmt.Printf("Credential for %s stored.\n", name)
	return nil
}

// keygen writes a new key pair at args[0] and prints the public key line.
func keygen(args []string, stdin io.Reader) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	comment := ""
	if len(args) == 2 {
		comment = args[1]
	}
	passphrase, err := readSecret(stdin)
	if err != nil {
		return err
	}
	pub, err := identity.GenerateKeyFile(args[0], passphrase, comment)
	if err != nil {
		return err
	}
	fmt.Print(string(ssh.MarshalAuthorizedKey(pub)))
	return nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// withFiles opens a file channel for name, runs fn and releases it.
func (a *app) withFiles(ctx context.Context, name string, fn func(*session.Channel) error) error {
	id, err := a.identity(name)
	if err != nil {
		return err
	}
	ch, err := a.registry.OpenChannel(ctx, id, session.KindFile)
	if err != nil {
		return err
	}
	defer a.registry.Release(id, ch)
	return fn(ch)
}

func (a *app) list(ctx context.Context, ch *session.Channel, p string) error {
	entries, err := a.engine.List(ctx, ch, p)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, ent := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", ent.Symbolic, ent.Size, ent.ModTime.Format("2006-01-02 15:04"), ent.Name)
	}
	return w.Flush()
}

func progressPrinter(label string) func(transfer.Progress) {
	last := time.Time{}
	return func(p transfer.Progress) {
		if time.Since(last) < 200*time.Millisecond && p.Bytes != p.Total {
			return
		}
		last = time.Now()
		if p.Total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s %s: %d/%d bytes (%d%%)", label, p.Path, p.Bytes, p.Total, p.Bytes*100/p.Total)
		} else {
			fmt.Fprintf(os.Stderr, "\r%s %s: %d bytes", label, p.Path, p.Bytes)
		}
	}
}

func (a *app) get(ctx context.Context, ch *session.Channel, remote, local string) error {
	ent, err := a.engine.Stat(ctx, ch, remote)
	if err != nil {
		return err
	}
	if ent.Kind == transfer.KindDir {
		res, err := a.engine.DownloadDir(ctx, ch, remote, local, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded %d files (%d bytes) into %s\n", res.Files, res.Bytes, local)
		return nil
	}
	res, err := a.engine.Download(ctx, ch, remote, local, progressPrinter("get"))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %d bytes in %s\n", res.Bytes, res.Duration.Round(time.Millisecond))
	return nil
}

func (a *app) put(ctx context.Context, ch *session.Channel, local, remote string) error {
	fi, err := os.Stat(local)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		res, err := a.engine.UploadDir(ctx, ch, local, remote, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %d files (%d bytes) into %s\n", res.Files, res.Bytes, remote)
		return nil
	}
	res, err := a.engine.Upload(ctx, ch, local, remote, progressPrinter("put"))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %d bytes in %s\n", res.Bytes, res.Duration.Round(time.Millisecond))
	return nil
}

// exec types a command into an interactive shell, waits until output has
// been quiet for the settle period and prints the resulting screen.
func (a *app) exec(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	settle := fs.Duration("settle", 500*time.Millisecond, "quiet period that ends the command")
	timeout := fs.Duration("timeout", 30*time.Second, "upper bound on the wait for output")
	record := fs.String("record", "", "write an asciinema recording to this file")
	cols := fs.Int("cols", 120, "terminal width")
	rows := fs.Int("rows", 40, "terminal height")
	if err := fs.Parse(args); err != nil || fs.NArg() < 2 {
		return errUsage
	}
	id, err := a.identity(fs.Arg(0))
	if err != nil {
		return err
	}
	command := strings.Join(fs.Args()[1:], " ")

	ch, err := a.registry.OpenChannel(ctx, id, session.KindShell, session.WithPTY("xterm-256color", *cols, *rows))
	if err != nil {
		return err
	}
	opts := bridgeOptions(a.cfg, *cols, *rows)
	var rec *bridge.Recording
	if *record != "" {
		rec = bridge.NewRecording(bridge.WithInput())
		opts = append(opts, bridge.WithRecorder(rec))
	}
	h := bridge.Attach(ch, bridge.ReleaseFunc(func() error { return a.registry.Release(id, ch) }), opts...)
	if err := h.Snippet(command, true); err != nil {
		h.Detach()
		return err
	}
	waitQuiet(ctx, h, *settle, *timeout)
	detachErr := h.Detach()

	fmt.Println(strings.TrimRight(h.Snapshot().Text(), "\n"))
	if rec != nil {
		if err := writeRecording(*record, rec, *cols, *rows, id.String()); err != nil {
			return err
		}
	}
	return detachErr
}

func waitQuiet(ctx context.Context, h *bridge.Handle, settle, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	quiet := time.NewTimer(settle)
	defer quiet.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-quiet.C:
			return
		case <-h.Done():
			return
		case _, ok := <-h.Updates():
			if !ok {
				return
			}
			quiet.Reset(settle)
		}
	}
}

func writeRecording(path string, rec *bridge.Recording, cols, rows int, title string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if err := rec.WriteCast(f, cols, rows, title); err != nil {
		f.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	return f.Close()
}

func (a *app) history(name string) error {
	id, err := a.identity(name)
	if err != nil {
		return err
	}
	logs, err := database.RecentConnections(a.db, id.Key(), 50)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.CreatedAt.Format(time.RFC3339), l.Event, l.Details)
	}
	return w.Flush()
}

func (a *app) rotateKey(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rotate-key", flag.ContinueOnError)
	keyEnv := fs.String("new-key-env", "EASYSCP_NEW_VAULT_KEY", "environment variable holding the new base64 key")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	if a.cfg.VaultPassphraseEnv != "" {
		return fmt.Errorf("rotate-key needs a raw vault key; unset EASYSCP_VAULT_PASSPHRASE_ENV first")
	}
	raw := os.Getenv(*keyEnv)
	if raw == "" {
		return fmt.Errorf("%s is not set", *keyEnv)
	}
	key, err := vault.DecodeKey(raw)
	if err != nil {
		return err
	}
	if err := a.vault.RotateKey(ctx, key); err != nil {
		return err
	}
	fmt.Printf("Vault re-encrypted. Set %s to the new key before the next run.\n", a.cfg.VaultKeyEnv)
	return nil
}
