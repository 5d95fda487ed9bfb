// Package server supervises the Gemstash registry process. It owns the
// single live server session: launching it from a wiped storage directory,
// issuing the session's publish credential, waiting on the port, and killing
// it for a restart.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siderolabs/go-retry/retry"

	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/process"
	"github.com/hupe1980/stashsync/internal/registry"
)

// State is the supervisor's view of the server process.
type State int

// Supervisor states.
const (
	StateStopped State = iota
	StateStarting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// unbounded is the wait timeout used when none is configured.
const unbounded = time.Duration(math.MaxInt64)

var (
	// ErrTimeout is returned when the port does not reach the desired state
	// within the configured timeout.
	ErrTimeout = errors.New("timed out waiting for server port")

	// ErrNotRunning is returned by operations that need a live session.
	ErrNotRunning = errors.New("server not running")

	errPortClosed = errors.New("port closed")
	errPortOpen   = errors.New("port open")
)

// Options configures a Supervisor.
type Options struct {
	// Runner starts gemstash.
	Runner process.Runner

	// Command is the gemstash invocation prefix, e.g. bundle exec gemstash.
	Command []string

	// Addr is the host:port the server listens on.
	Addr string

	// WorkDir is the server's storage directory, wiped on every launch.
	WorkDir string

	// AppDir holds config.yml and is the working directory of every
	// gemstash invocation.
	AppDir string

	// PollInterval spaces port checks. Defaults to one second.
	PollInterval time.Duration

	// Timeout bounds each port wait. Zero waits forever.
	Timeout time.Duration

	// Sink receives tagged server output.
	Sink *logging.Sink

	// Logger is used for structured logging.
	Logger *slog.Logger

	// NewCredential generates session keys. Defaults to random UUIDs.
	NewCredential func() string

	// Reachable reports whether addr accepts connections. Defaults to
	// registry.PortOpen.
	Reachable func(ctx context.Context, addr string) bool
}

// Session is one live server instance.
type Session struct {
	// Credential is the publish key valid for this session only.
	Credential string

	handle process.Handle
}

// Supervisor owns the server process. Only the supervisor starts or kills it.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	state   State
	session *Session
}

// New returns a Supervisor in the Stopped state.
func New(opts Options) (*Supervisor, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: runner is required")
	}

	if len(opts.Command) == 0 {
		return nil, errors.New("server: gemstash command is required")
	}

	if strings.TrimSpace(opts.WorkDir) == "" {
		return nil, errors.New("server: work dir is required")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.NewCredential == nil {
		opts.NewCredential = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}

	if opts.Reachable == nil {
		opts.Reachable = registry.PortOpen
	}

	return &Supervisor{opts: opts}, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Credential returns the current session's publish key, or "" when no
// session is live. Callers must re-read it after every Restart.
func (s *Supervisor) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return ""
	}

	return s.session.Credential
}

// ConfigPath returns the location of the gemstash config.yml.
func (s *Supervisor) ConfigPath() string {
	return filepath.Join(s.opts.AppDir, "config.yml")
}

// Start launches the server and waits until it accepts connections.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Launch(ctx); err != nil {
		return err
	}

	return s.AwaitReady(ctx)
}

// Launch waits for the port to be closed, wipes the storage directory,
// authorizes a fresh credential and starts the server. It returns without
// waiting for readiness.
func (s *Supervisor) Launch(ctx context.Context) error {
	if err := s.AwaitStopped(ctx); err != nil {
		return err
	}

	s.opts.Logger.Info("clearing gemstash dir", slog.String("dir", s.opts.WorkDir))

	if err := s.clearStorage(); err != nil {
		return err
	}

	key := s.opts.NewCredential()

	out, err := s.opts.Runner.Output(ctx, s.command(logging.RoleAuth, "authorize", "--key", key))
	if err != nil {
		return fmt.Errorf("authorizing credential: %w", err)
	}

	s.opts.Sink.Lines(logging.RoleAuth, out)
	s.opts.Logger.Info("using new publish credential", slog.String("GEM_HOST_API_KEY", key))

	s.opts.Logger.Info("launching gemstash")

	handle, err := s.opts.Runner.Start(s.command(logging.RoleServer, "start", "--no-daemonize"))
	if err != nil {
		return fmt.Errorf("starting gemstash: %w", err)
	}

	s.mu.Lock()
	s.session = &Session{Credential: key, handle: handle}
	s.state = StateStarting
	s.mu.Unlock()

	return nil
}

// AwaitReady blocks until the server port accepts connections.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	if err := s.awaitPort(ctx, true); err != nil {
		return err
	}

	s.mu.Lock()
	if s.session != nil {
		s.state = StateReady
	}
	s.mu.Unlock()

	return nil
}

// AwaitStopped blocks until the server port refuses connections.
func (s *Supervisor) AwaitStopped(ctx context.Context) error {
	return s.awaitPort(ctx, false)
}

// Restart kills the current server, waits for its output goroutine to
// finish and its port to close, then launches a new one from clean storage
// and waits for it. The previous credential is invalid afterwards.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opts.Logger.Info("rebooting server")

	if err := s.kill(); err != nil {
		return err
	}

	return s.Start(ctx)
}

// Stop kills the current server, if any, and waits for its output
// goroutine to finish.
func (s *Supervisor) Stop(_ context.Context) error {
	return s.kill()
}

func (s *Supervisor) kill() error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		return nil
	}

	pid := session.handle.PID()

	// The session stays current until the process is gone, so a failed kill
	// can be retried and the server is never orphaned.
	if err := session.handle.Kill(); err != nil {
		return fmt.Errorf("killing gemstash (pid %d): %w", pid, err)
	}

	s.mu.Lock()
	if s.session == session {
		s.session = nil
		s.state = StateStopped
	}
	s.mu.Unlock()

	if err := session.handle.Wait(); err != nil {
		s.opts.Logger.Warn("gemstash exited with error", slog.Int("pid", pid), slog.Any("error", err))
	}

	return nil
}

func (s *Supervisor) awaitPort(ctx context.Context, open bool) error {
	want, notYet := "open", errPortClosed
	if !open {
		want, notYet = "closed", errPortOpen
	}

	if s.opts.Reachable(ctx, s.opts.Addr) == open {
		return nil
	}

	s.opts.Logger.Info("waiting for gemstash port", slog.String("addr", s.opts.Addr), slog.String("want", want))

	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = unbounded
	}

	err := retry.Constant(timeout, retry.WithUnits(s.opts.PollInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			if s.opts.Reachable(ctx, s.opts.Addr) != open {
				s.opts.Logger.Debug("still waiting for gemstash port", slog.String("want", want))
				return retry.ExpectedError(notYet)
			}

			return nil
		})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w %s to be %s after %s: %w", ErrTimeout, s.opts.Addr, want, s.opts.Timeout, err)
	}
}

// clearStorage removes everything inside WorkDir but not WorkDir itself.
func (s *Supervisor) clearStorage() error {
	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	entries, err := os.ReadDir(s.opts.WorkDir)
	if err != nil {
		return fmt.Errorf("reading work dir: %w", err)
	}

	for _, e := range entries {
		p := filepath.Join(s.opts.WorkDir, e.Name())

		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("clearing work dir: %w", err)
		}

		s.opts.Sink.Line(logging.RoleCleanup, "removed '"+p+"'")
	}

	return nil
}

// command builds a gemstash invocation. The config file is passed to every
// subcommand; pushes fail when the server and authorize disagree on it.
func (s *Supervisor) command(role string, args ...string) process.Command {
	full := make([]string, 0, len(s.opts.Command)-1+len(args)+2)
	full = append(full, s.opts.Command[1:]...)
	full = append(full, args...)
	full = append(full, "--config-file", s.ConfigPath())

	return process.Command{
		Name: s.opts.Command[0],
		Args: full,
		Dir:  s.opts.AppDir,
		Role: role,
	}
}
