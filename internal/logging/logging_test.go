package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stashsync/internal/config"
)

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "debug", LogFormat: "text"}

	out := Setup(cfg, &buf)
	require.NotNil(t, out.Logger)
	require.NotNil(t, out.Sink)

	out.Logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "json"}

	out := Setup(cfg, &buf)
	out.Logger.Info("test-msg")

	assert.Contains(t, buf.String(), `"msg":"test-msg"`)
}

func TestSetup_SetsDefault(t *testing.T) {
	cfg := &config.Config{LogLevel: "info", LogFormat: "text"}
	out := Setup(cfg, io.Discard)
	assert.Equal(t, out.Logger.Handler(), slog.Default().Handler())
}

func TestSetup_QuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "text", Quiet: true}

	out := Setup(cfg, &buf)
	out.Logger.Info("should-not-appear")
	out.Logger.Error("should-appear")

	assert.NotContains(t, buf.String(), "should-not-appear")
	assert.Contains(t, buf.String(), "should-appear")
}

func TestSetup_QuietDropsSubprocessOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "text", Quiet: true}

	Setup(cfg, &buf).Sink.Line(RoleBuild, "Successfully built RubyGem")

	assert.Empty(t, buf.String())
}

func TestSetup_DebugLevelShowsDebugMessages(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "debug", LogFormat: "text"}

	Setup(cfg, &buf).Logger.Debug("debug-msg")

	assert.Contains(t, buf.String(), "debug-msg")
}

func TestSetup_InfoLevelHidesDebugMessages(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "text"}

	Setup(cfg, &buf).Logger.Debug("debug-hidden")

	assert.NotContains(t, buf.String(), "debug-hidden")
}

func TestSetup_SinkSharesWriterAndHonoursNoColor(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "text", NoColor: true}

	out := Setup(cfg, &buf)
	out.Logger.Info("launching gemstash")
	out.Sink.Line(RoleServer, "Puma starting")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "launching gemstash")
	assert.Equal(t, "GEMSTASH: Puma starting", lines[1])
}

func TestSetup_JSONSinkEmitsRecords(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "info", LogFormat: "json"}

	Setup(cfg, &buf).Sink.Line(RoleList, "widget (1.0.0)")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "widget (1.0.0)", rec["msg"])
	assert.Equal(t, RoleList, rec["role"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestContext_RoundTrip(t *testing.T) {
	out := Output{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sink:   NewSink(io.Discard, true),
	}

	ctx := NewContext(context.Background(), out)
	assert.Equal(t, out.Logger, FromContext(ctx))
	assert.Same(t, out.Sink, SinkFromContext(ctx))
}

func TestFromContext_FallbackToDefault(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, slog.Default(), FromContext(ctx))
	assert.NotNil(t, SinkFromContext(ctx))
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

func TestSink_LineTagsRole(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, true)

	s.Line(RoleServer, "listening on 9293\n")

	assert.Equal(t, "GEMSTASH: listening on 9293\n", buf.String())
}

func TestSink_LinesSkipsBlank(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, true)

	s.Lines(RoleList, "\n*** REMOTE GEMS ***\n\nfoo (1.0)\n")

	assert.Equal(t, "GEM LIST: *** REMOTE GEMS ***\nGEM LIST: foo (1.0)\n", buf.String())
}

func TestSink_ColorKeepsRoleText(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, false)

	s.Line(RoleBuild, "Successfully built RubyGem")

	assert.Contains(t, buf.String(), "GEM BUILD")
	assert.Contains(t, buf.String(), "Successfully built RubyGem")
}

func TestSink_NilSafe(t *testing.T) {
	var s *Sink
	assert.NotPanics(t, func() { s.Line(RoleServer, "x") })

	assert.NotPanics(t, func() { NewSink(nil, true).Line(RoleServer, "x") })
}

func TestSink_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf, true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Line(RoleServer, "abcdefghijklmnopqrstuvwxyz")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, l := range lines {
		assert.Equal(t, "GEMSTASH: abcdefghijklmnopqrstuvwxyz", l)
	}
}
