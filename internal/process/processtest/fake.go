// Package processtest provides an in-memory process.Runner for tests.
package processtest

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/stashsync/internal/process"
)

// Runner records every command and answers from the configured hooks.
// A nil hook succeeds with empty output.
type Runner struct {
	mu sync.Mutex

	OutputFunc func(ctx context.Context, cmd process.Command) (string, error)
	RunFunc    func(ctx context.Context, cmd process.Command) error
	StartFunc  func(cmd process.Command) (process.Handle, error)

	calls []process.Command
}

var _ process.Runner = (*Runner)(nil)

// Output implements process.Runner.
func (r *Runner) Output(ctx context.Context, cmd process.Command) (string, error) {
	r.record(cmd)

	if r.OutputFunc == nil {
		return "", nil
	}

	return r.OutputFunc(ctx, cmd)
}

// Run implements process.Runner.
func (r *Runner) Run(ctx context.Context, cmd process.Command) error {
	r.record(cmd)

	if r.RunFunc == nil {
		return nil
	}

	return r.RunFunc(ctx, cmd)
}

// Start implements process.Runner.
func (r *Runner) Start(cmd process.Command) (process.Handle, error) {
	r.record(cmd)

	if r.StartFunc == nil {
		return NewHandle(1, nil), nil
	}

	return r.StartFunc(cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]process.Command(nil), r.calls...)
}

func (r *Runner) record(cmd process.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, cmd)
}

// Handle is a fake process.Handle. Wait blocks until Kill is called.
type Handle struct {
	pid    int
	onKill func()

	once    sync.Once
	done    chan struct{}
	killed  bool
	killErr error
	mu      sync.Mutex
}

var _ process.Handle = (*Handle)(nil)

// NewHandle returns a live fake process. onKill, if set, runs once on the
// first Kill before Wait is released.
func NewHandle(pid int, onKill func()) *Handle {
	return &Handle{pid: pid, onKill: onKill, done: make(chan struct{})}
}

// PID implements process.Handle.
func (h *Handle) PID() int { return h.pid }

// FailKill makes every following Kill return err without killing. A nil
// err restores normal behaviour.
func (h *Handle) FailKill(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.killErr = err
}

// Kill implements process.Handle.
func (h *Handle) Kill() error {
	h.mu.Lock()
	err := h.killErr
	h.mu.Unlock()

	if err != nil {
		return err
	}

	h.once.Do(func() {
		if h.onKill != nil {
			h.onKill()
		}

		h.mu.Lock()
		h.killed = true
		h.mu.Unlock()

		close(h.done)
	})

	return nil
}

// Wait implements process.Handle.
func (h *Handle) Wait() error {
	<-h.done
	return nil
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.killed
}

// ErrUnexpected is a convenience error for scripted failures.
var ErrUnexpected = errors.New("unexpected command")
