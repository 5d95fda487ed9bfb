// Package process launches external commands and streams their merged
// output, line by line, into a role-tagged log sink.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hupe1980/stashsync/internal/logging"
)

// maxLineSize caps a single output line read from a long-running process.
const maxLineSize = 1 << 20

// Command describes an external command invocation.
type Command struct {
	// Name is the executable, resolved through PATH.
	Name string

	// Args are passed to the executable unchanged; no shell is involved.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds KEY=VALUE overrides appended to the inherited environment.
	Env []string

	// Role tags every output line written to the sink.
	Role string
}

// String renders the command for log messages.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Handle is a started, long-running process. Only its owner may kill it.
type Handle interface {
	// PID returns the operating system process id.
	PID() int

	// Kill sends a non-graceful kill signal to the process and its group.
	// Killing an already exited process is not an error.
	Kill() error

	// Wait blocks until the process has exited and its output has been
	// fully drained.
	Wait() error
}

// Runner executes external commands.
type Runner interface {
	// Output runs the command to completion and returns its stdout.
	// Stderr is streamed to the sink.
	Output(ctx context.Context, cmd Command) (string, error)

	// Run runs the command to completion streaming merged output.
	Run(ctx context.Context, cmd Command) error

	// Start launches the command and returns immediately. Merged output is
	// drained by a dedicated goroutine for the lifetime of the process.
	Start(cmd Command) (Handle, error)
}

// Exec is the os/exec backed Runner.
type Exec struct {
	sink *logging.Sink
}

var _ Runner = (*Exec)(nil)

// NewExec returns a Runner that writes subprocess output to sink.
func NewExec(sink *logging.Sink) *Exec {
	return &Exec{sink: sink}
}

// Output implements Runner.
func (e *Exec) Output(ctx context.Context, c Command) (string, error) {
	cmd := e.command(ctx, c)

	var stdout bytes.Buffer

	stderr := newLineWriter(e.sink, c.Role)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stderr.Flush()

	if err != nil {
		return stdout.String(), fmt.Errorf("running %s: %w", c, err)
	}

	return stdout.String(), nil
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, c Command) error {
	cmd := e.command(ctx, c)

	w := newLineWriter(e.sink, c.Role)
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	w.Flush()

	if err != nil {
		return fmt.Errorf("running %s: %w", c, err)
	}

	return nil
}

// Start implements Runner.
func (e *Exec) Start(c Command) (Handle, error) {
	cmd := exec.Command(c.Name, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	cmd.Env = environ(c.Env)
	setProcessGroup(cmd)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping %s: %w", c, err)
	}

	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c, err)
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}

	go p.drain(out, e.sink, c.Role)

	return p, nil
}

func (e *Exec) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	cmd.Env = environ(c.Env)

	return cmd
}

func environ(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}

	return append(os.Environ(), extra...)
}

// proc is the Handle returned by Exec.Start.
type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *proc) PID() int { return p.cmd.Process.Pid }

func (p *proc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	return killProcess(p.cmd.Process)
}

func (p *proc) Wait() error {
	<-p.done
	return p.err
}

// drain copies output into the sink until EOF, then reaps the process.
// All reads must finish before cmd.Wait closes the pipe.
func (p *proc) drain(r io.Reader, sink *logging.Sink, role string) {
	defer close(p.done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		sink.Line(role, sc.Text())
	}

	// A scanner error still has to reap the child; drain the rest raw.
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}

	err := p.cmd.Wait()
	if isExpectedExit(err) {
		err = nil
	}

	p.err = err
}

// lineWriter adapts a Sink to io.Writer, emitting one sink line per
// newline-terminated chunk.
type lineWriter struct {
	mu   sync.Mutex
	sink *logging.Sink
	role string
	buf  []byte
}

func newLineWriter(sink *logging.Sink, role string) *lineWriter {
	return &lineWriter{sink: sink, role: role}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)

	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}

		w.sink.Line(w.role, string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}

	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.sink.Line(w.role, string(w.buf))
		w.buf = nil
	}
}

// IsNotFound reports whether err means the executable could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
