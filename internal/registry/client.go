// Package registry talks to a running Gemstash private gem server: it lists
// the versions the server holds and pushes built gems to it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/stashsync/internal/logging"
	"github.com/hupe1980/stashsync/internal/process"
	"github.com/hupe1980/stashsync/internal/version"
)

var (
	// ErrServerNotReady is returned when the server port is not reachable.
	// Callers are sequenced so this should not happen; it indicates a bug.
	ErrServerNotReady = errors.New("registry server not ready")

	// ErrAuthRejected is returned when the server refuses the credential.
	ErrAuthRejected = errors.New("registry rejected credential")

	// ErrPushFailed is returned for any other unsuccessful push.
	ErrPushFailed = errors.New("gem push failed")

	// ErrUnconfirmed is returned when a push reported success but the
	// version is not listed afterwards.
	ErrUnconfirmed = errors.New("pushed version not listed")
)

// dialTimeout bounds a single reachability check.
const dialTimeout = time.Second

// maxResponseBody caps how much of a push response is read for logging.
const maxResponseBody = 64 * 1024

// Options configures a Client.
type Options struct {
	// Addr is the host:port of the server.
	Addr string

	// Runner executes the gem CLI used for listings.
	Runner process.Runner

	// GemCommand is the gem executable. Defaults to "gem".
	GemCommand string

	// HTTPClient performs pushes. Defaults to a client with a 5 minute timeout.
	HTTPClient *http.Client

	// Sink receives tagged listing and push output.
	Sink *logging.Sink

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Client is a Gemstash client.
type Client struct {
	addr   string
	runner process.Runner
	gem    string
	http   *http.Client
	sink   *logging.Sink
	logger *slog.Logger
}

// NewClient returns a Client for the server at opts.Addr.
func NewClient(opts Options) *Client {
	if opts.GemCommand == "" {
		opts.GemCommand = "gem"
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		addr:   opts.Addr,
		runner: opts.Runner,
		gem:    opts.GemCommand,
		http:   opts.HTTPClient,
		sink:   opts.Sink,
		logger: opts.Logger,
	}
}

// URL returns the private gem source URL.
func (c *Client) URL() string {
	return "http://" + c.addr + "/private"
}

// VersionsOf lists every version of name the server holds, including
// pre-releases.
func (c *Client) VersionsOf(ctx context.Context, name string) (Versions, error) {
	if err := c.ensureReady(ctx); err != nil {
		return Versions{}, err
	}

	out, err := c.runner.Output(ctx, process.Command{
		Name: c.gem,
		Args: []string{"list", "-r", "--clear-sources", "--source", c.URL(), "--all", "--prerelease", "-e", name},
		Role: logging.RoleList,
	})
	if err != nil {
		return Versions{}, fmt.Errorf("listing %s: %w", name, err)
	}

	c.sink.Lines(logging.RoleList, out)

	return ParseList(out, name), nil
}

// Push uploads the gem at artifact using credential.
func (c *Client) Push(ctx context.Context, artifact, credential string) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}

	f, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrPushFailed, artifact, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL()+"/api/v1/gems", f)
	if err != nil {
		return fmt.Errorf("%w: building request: %w", ErrPushFailed, err)
	}

	if info, statErr := f.Stat(); statErr == nil {
		req.ContentLength = info.Size()
	}

	req.Header.Set("Authorization", credential)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.sink.Lines(logging.RolePush, string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthRejected, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s: %s", ErrPushFailed, resp.Status, strings.TrimSpace(string(body)))
	}

	return nil
}

// Publish pushes artifact and then re-queries the listing to confirm that
// name at version shows up. A missing version is reported as ErrUnconfirmed
// and is not retried.
func (c *Client) Publish(ctx context.Context, artifact, credential, name, version string) error {
	if err := c.Push(ctx, artifact, credential); err != nil {
		return err
	}

	versions, err := c.VersionsOf(ctx, name)
	if err != nil {
		return fmt.Errorf("confirming %s-%s: %w", name, version, err)
	}

	confirmed := versions.Has(version)

	c.logger.Info("completed gem push",
		slog.String("gem", name),
		slog.String("version", version),
		slog.Bool("listed", confirmed),
	)

	if !confirmed {
		return fmt.Errorf("%w: %s-%s (listed: %s)", ErrUnconfirmed, name, version, versions)
	}

	return nil
}

func (c *Client) ensureReady(ctx context.Context) error {
	if !PortOpen(ctx, c.addr) {
		return fmt.Errorf("%w: %s unreachable", ErrServerNotReady, c.addr)
	}

	return nil
}

// PortOpen reports whether a TCP connection to addr succeeds within one
// second.
func PortOpen(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}
