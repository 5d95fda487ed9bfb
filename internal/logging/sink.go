package logging

import (
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"

	fcolor "github.com/fatih/color"
)

// Roles used to tag subprocess output.
const (
	RoleServer  = "GEMSTASH"
	RoleAuth    = "GEM AUTH"
	RoleBuild   = "GEM BUILD"
	RoleList    = "GEM LIST"
	RolePush    = "GEM PUSH"
	RoleCleanup = "SERVER CLEANUP"
	RoleInspect = "GEMSPEC"
)

var palette = []fcolor.Attribute{
	fcolor.FgCyan,
	fcolor.FgMagenta,
	fcolor.FgYellow,
	fcolor.FgGreen,
	fcolor.FgBlue,
}

// Sink writes subprocess output one line at a time, each line prefixed with
// the role that produced it. It is safe for concurrent use; lines from
// different roles never interleave mid-line.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	noColor bool
	colors  map[string]*fcolor.Color

	// records, when set, receives each line as a log record instead.
	records *slog.Logger
}

// NewSink returns a Sink writing to w. When noColor is true role tags are
// written as plain text.
func NewSink(w io.Writer, noColor bool) *Sink {
	if w == nil {
		w = io.Discard
	}

	return &Sink{
		w:       w,
		noColor: noColor,
		colors:  make(map[string]*fcolor.Color),
	}
}

// newRecordSink returns a Sink that logs every line through logger with
// the role as an attribute.
func newRecordSink(logger *slog.Logger) *Sink {
	return &Sink{records: logger}
}

// Line writes a single tagged line. Trailing newlines in line are trimmed.
func (s *Sink) Line(role, line string) {
	if s == nil {
		return
	}

	line = strings.TrimRight(line, "\r\n")

	if s.records != nil {
		s.records.Info(line, slog.String("role", role))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "%s: %s\n", s.tag(role), line)
}

// Lines writes every line of text under role.
func (s *Sink) Lines(role, text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if l == "" {
			continue
		}

		s.Line(role, l)
	}
}

// tag must be called with s.mu held.
func (s *Sink) tag(role string) string {
	if s.noColor {
		return role
	}

	c, ok := s.colors[role]
	if !ok {
		h := fnv.New32a()
		_, _ = h.Write([]byte(role))
		c = fcolor.New(palette[h.Sum32()%uint32(len(palette))], fcolor.Bold)
		s.colors[role] = c
	}

	return c.Sprint(role)
}
