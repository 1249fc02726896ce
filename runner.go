package selkie

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultSSHConns is the size of a runner's pooled connection set
const DefaultSSHConns = 4

type (
	// Runner executes commands on a host. Local and SSH variants exist;
	// the driver never cares which it got.
	Runner interface {
		// Run executes a command and returns the combined output
		Run(ctx context.Context, name string, args ...string) ([]byte, error)
		// RunInput executes a command feeding stdin
		RunInput(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
		// Open starts a long-lived command and returns its stdio as a
		// stream, used for serial console attach
		Open(ctx context.Context, name string, args ...string) (io.ReadWriteCloser, error)
		// Close releases any held connections
		Close() error
	}

	// RunError carries the output of a failed command so callers can
	// classify what the tool actually said
	RunError struct {
		Cmd    string
		Output []byte
		Err    error
	}
)

func (e *RunError) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("%s: %s", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Err, out)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// OutputContains reports whether a failed command's output mentions any of
// the given fragments, case-insensitively
func OutputContains(err error, fragments ...string) bool {
	re, ok := err.(*RunError)
	if !ok {
		return false
	}
	out := strings.ToLower(string(re.Output))
	for _, f := range fragments {
		if strings.Contains(out, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// LocalRunner executes on the daemon's own host
type LocalRunner struct{}

// NewLocalRunner creates a LocalRunner
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes a command locally and returns combined output
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunInput(ctx, nil, name, args...)
}

// RunInput executes a command locally feeding stdin
func (r *LocalRunner) RunInput(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		return out, &RunError{Cmd: name, Output: out, Err: err}
	}
	return out, nil
}

// Open starts a long-lived local command exposing its stdio as a stream
func (r *LocalRunner) Open(ctx context.Context, name string, args ...string) (io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &RunError{Cmd: name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &RunError{Cmd: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &RunError{Cmd: name, Err: err}
	}
	return &procStream{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Close is a no-op for local execution
func (r *LocalRunner) Close() error {
	return nil
}

type procStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *procStream) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *procStream) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procStream) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// SSHRunner executes on a remote host over a small pool of multiplexed
// SSH connections. Sessions are cheap; connections are not, so a fixed
// pool is dialed lazily and handed out round-robin.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig

	mu      sync.Mutex
	clients []*ssh.Client
	next    int
	closed  bool
}

// NewSSHRunner creates a runner for user@host:port using the given private
// key. An empty keyPath configures no authentication method; no default key
// locations are read, so the dial fails unless the server needs no key.
func NewSSHRunner(host string, port int, user, keyPath string) (*SSHRunner, error) {
	var methods []ssh.AuthMethod
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, NewError(ErrValidation, "ssh key %s: %s", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, NewError(ErrValidation, "ssh key %s: %s", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	return &SSHRunner{
		addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            methods,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
		clients: make([]*ssh.Client, 0, DefaultSSHConns),
	}, nil
}

// client returns a pooled connection, dialing a new one while the pool is
// below size
func (r *SSHRunner) client() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, NewError(ErrDriverUnavailable, "ssh %s: runner closed", r.addr)
	}
	if len(r.clients) < DefaultSSHConns {
		c, err := ssh.Dial("tcp", r.addr, r.config)
		if err != nil {
			return nil, NewError(ErrDriverUnavailable, "ssh %s: %s", r.addr, err)
		}
		r.clients = append(r.clients, c)
		return c, nil
	}
	c := r.clients[r.next%len(r.clients)]
	r.next++
	return c, nil
}

// drop removes a dead connection from the pool
func (r *SSHRunner) drop(dead *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.clients {
		if c == dead {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			break
		}
	}
	dead.Close()
}

// Run executes a command remotely and returns combined output
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunInput(ctx, nil, name, args...)
}

// RunInput executes a command remotely feeding stdin
func (r *SSHRunner) RunInput(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	client, err := r.client()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return nil, NewError(ErrDriverUnavailable, "ssh %s: %s", r.addr, err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	cmd := shellJoin(name, args)
	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return nil, &RunError{Cmd: name, Err: err}
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		<-done
		return out.Bytes(), &RunError{Cmd: name, Output: out.Bytes(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return out.Bytes(), &RunError{Cmd: name, Output: out.Bytes(), Err: err}
		}
		return out.Bytes(), nil
	}
}

// Open starts a long-lived remote command exposing its stdio as a stream
func (r *SSHRunner) Open(ctx context.Context, name string, args ...string) (io.ReadWriteCloser, error) {
	client, err := r.client()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return nil, NewError(ErrDriverUnavailable, "ssh %s: %s", r.addr, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &RunError{Cmd: name, Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &RunError{Cmd: name, Err: err}
	}
	if err := session.Start(shellJoin(name, args)); err != nil {
		session.Close()
		return nil, &RunError{Cmd: name, Err: err}
	}
	return &sessionStream{session: session, stdin: stdin, stdout: stdout}, nil
}

// Close tears down the connection pool
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = nil
	return nil
}

type sessionStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sessionStream) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *sessionStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }

func (s *sessionStream) Close() error {
	s.stdin.Close()
	return s.session.Close()
}

// shellJoin quotes arguments for the remote shell
func shellJoin(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>(){}*?[]~#`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
