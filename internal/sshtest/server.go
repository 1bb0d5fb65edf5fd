// Package sshtest runs an in-process SSH server for tests. It supports
// password and public key auth, PTY shells that echo their input, exec
// requests, keepalives and the sftp subsystem, and it can drop every
// connection on demand to simulate a transport failure.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configure a test server.
type Options struct {
	Username      string
	Password      string
	AuthorizedKey ssh.PublicKey
	// HandshakeDelay stalls each accepted connection before the SSH
	// handshake starts.
	HandshakeDelay time.Duration
}

// Server is a running test SSH server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	opts     Options
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	netConns []net.Conn
	received bytes.Buffer
	sizes    [][2]int
	ptyTerms []string

	connections   atomic.Int32
	authAttempts  atomic.Int32
	keepaliveHang atomic.Bool
	done          chan struct{}
}

// Start launches a server on 127.0.0.1 and stops it when the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Username == "" {
		opts.Username = "tester"
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{opts: opts, HostKey: hostSigner.PublicKey(), done: make(chan struct{})}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.authAttempts.Add(1)
			if opts.Password != "" && conn.User() == opts.Username && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.authAttempts.Add(1)
			if opts.AuthorizedKey != nil && conn.User() == opts.Username &&
				ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = s.listener.Addr().String()

	go s.serve()
	t.Cleanup(s.Stop)
	return s
}

// Host and Port split Addr for building identities.
func (s *Server) Host() string {
	h, _, _ := net.SplitHostPort(s.Addr)
	return h
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	var n int
	fmt.Sscanf(p, "%d", &n)
	return n
}

func (s *Server) Username() string { return s.opts.Username }

func (s *Server) serve() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.mu.Unlock()
		s.connections.Add(1)
		go s.handleConn(netConn)
	}
}

// Stop closes the listener and every connection.
func (s *Server) Stop() {
	s.listener.Close()
	s.CloseAllConns()
	<-s.done
}

// CloseAllConns forcefully closes all accepted TCP connections. The
// listener keeps accepting new ones.
func (s *Server) CloseAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// HangKeepalives makes the server stop answering global requests.
func (s *Server) HangKeepalives(hang bool) { s.keepaliveHang.Store(hang) }

// Connections returns the number of TCP connections accepted so far.
func (s *Server) Connections() int { return int(s.connections.Load()) }

// AuthAttempts returns the number of password and public key checks.
func (s *Server) AuthAttempts() int { return int(s.authAttempts.Load()) }

// Received returns everything written to shell channels, in arrival order.
func (s *Server) Received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

// WindowSizes returns every PTY size requested, as (cols, rows).
func (s *Server) WindowSizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.sizes...)
}

// Terms returns the terminal types of every PTY request.
func (s *Server) Terms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptyTerms...)
}

func (s *Server) handleConn(netConn net.Conn) {
	if s.opts.HandshakeDelay > 0 {
		time.Sleep(s.opts.HandshakeDelay)
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if s.keepaliveHang.Load() {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.ptyTerms = append(s.ptyTerms, pty.Term)
				s.sizes = append(s.sizes, [2]int{int(pty.Cols), int(pty.Rows)})
				s.mu.Unlock()
			}
			req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Lock()
				s.sizes = append(s.sizes, [2]int{int(cols), int(rows)})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go s.echo(ch)
		case "exec":
			var cmd struct{ Command string }
			ssh.Unmarshal(req.Payload, &cmd)
			req.Reply(true, nil)
			io.WriteString(ch, strings.TrimSpace(cmd.Command)+"\n")
			ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
			return
		case "subsystem":
			var sub struct{ Name string }
			ssh.Unmarshal(req.Payload, &sub)
			if sub.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				srv.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echo behaves like a shell with echo on: everything received is recorded
// and written back.
func (s *Server) echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received.Write(buf[:n])
			s.mu.Unlock()
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
