// Package remote executes shell commands and uploads files on the target host over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrConnectionFailed = errors.New("SSH connection failed")
	ErrNoAuthMethod     = errors.New("no SSH password or private key configured")
	ErrSessionClosed    = errors.New("SSH session is closed")
	ErrUploadFailed     = errors.New("upload failed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config describes how to reach the target host.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string        // private key path; used alongside Password when both are set
	KnownHosts     string        // known_hosts path; empty accepts any host key
	ConnectTimeout time.Duration // Default: 10 seconds
}

// Result is the outcome of a command that ran to completion.
// A non-zero ExitCode is not an error at this layer.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// =============================================================================
// Session
// =============================================================================

// Session is one SSH connection reused for every command of a run.
// Each command gets its own SSH channel, so Run and Upload are safe for
// concurrent use.
type Session struct {
	client *ssh.Client
	addr   string
	mu     sync.Mutex // Protects client
}

// Dial connects to the target host.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHosts, err)
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnectionFailed, addr, err)
	}

	return &Session{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   addr,
	}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read SSH private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}
	return methods, nil
}

// Addr returns the host:port this session is connected to.
func (s *Session) Addr() string {
	return s.addr
}

// Close closes the SSH connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *Session) newSession() (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, ErrSessionClosed
	}
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create SSH session: %w", err)
	}
	return session, nil
}

// =============================================================================
// Command Execution
// =============================================================================

// Run executes cmd through the remote shell and waits for it to exit.
// Transport failures and context cancellation are returned as errors; the
// command's own exit status is reported in Result.
func (s *Session) Run(ctx context.Context, cmd string) (Result, error) {
	session, err := s.newSession()
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := wait(ctx, session, cmd); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				ExitCode: exitErr.ExitStatus(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("run %q: %w", cmd, err)
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Upload streams a local file to remotePath through `cat`.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	session, err := s.newSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = f
	session.Stderr = &stderr

	if err := wait(ctx, session, fmt.Sprintf("cat > %s", remotePath)); err != nil {
		return fmt.Errorf("%w: %s to %s: %v %s", ErrUploadFailed, localPath, remotePath, err, stderr.String())
	}
	return nil
}

// wait runs cmd on session and returns early when ctx is cancelled.
func wait(ctx context.Context, session *ssh.Session, cmd string) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		return err
	}
}
