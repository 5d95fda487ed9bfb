package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stashsync/internal/gembuild"
	"github.com/hupe1980/stashsync/internal/gemspec"
	"github.com/hupe1980/stashsync/internal/registry"
	"github.com/hupe1980/stashsync/internal/tracked"
	"github.com/hupe1980/stashsync/internal/watch"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeWorld is an in-memory registry with its supervisor. A restart wipes
// every listing and rotates the credential.
type fakeWorld struct {
	mu         sync.Mutex
	listed     map[string][]string
	credential string
	sessions   int
	restarts   int
	pushes     []string
	restartErr error
	listErr    error
}

func newWorld() *fakeWorld {
	return &fakeWorld{listed: make(map[string][]string), credential: "key-1", sessions: 1}
}

func (w *fakeWorld) Restart(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.restartErr != nil {
		return w.restartErr
	}

	w.restarts++
	w.sessions++
	w.listed = make(map[string][]string)
	w.credential = fmt.Sprintf("key-%d", w.sessions)

	return nil
}

func (w *fakeWorld) Credential() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.credential
}

func (w *fakeWorld) VersionsOf(_ context.Context, name string) (registry.Versions, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.listErr != nil {
		return registry.Versions{}, w.listErr
	}

	return registry.NewVersions(w.listed[name]...), nil
}

func (w *fakeWorld) Publish(_ context.Context, artifact, credential, name, version string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if credential != w.credential {
		return registry.ErrAuthRejected
	}

	for _, v := range w.listed[name] {
		if v == version {
			return fmt.Errorf("%w: version exists", registry.ErrPushFailed)
		}
	}

	w.pushes = append(w.pushes, artifact)
	w.listed[name] = append(w.listed[name], version)

	return nil
}

func (w *fakeWorld) publish(name, version string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.listed[name] = append(w.listed[name], version)
}

// fakeInspector describes directories from a table keyed by base name.
type fakeInspector struct {
	descs map[string]gemspec.Descriptor
	errs  map[string]error
}

func (f *fakeInspector) Describe(_ context.Context, dir string) (gemspec.Descriptor, error) {
	base := filepath.Base(dir)

	if err, ok := f.errs[base]; ok {
		return gemspec.Descriptor{}, err
	}

	d, ok := f.descs[base]
	if !ok {
		return gemspec.Descriptor{}, gemspec.ErrDescriptorMissing
	}

	d.Path = filepath.Join(dir, d.Name+".gemspec")

	return d, nil
}

type fakeBuilder struct {
	fail map[string]error
}

func (f *fakeBuilder) Build(_ context.Context, desc gemspec.Descriptor) (string, error) {
	if err := f.fail[desc.Name]; err != nil {
		return "", err
	}

	return desc.String() + ".gem", nil
}

type harness struct {
	base      string
	world     *fakeWorld
	inspector *fakeInspector
	builder   *fakeBuilder
	orch      *Orchestrator
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, gems map[string]string) *harness {
	t.Helper()

	h := &harness{
		base:      t.TempDir(),
		world:     newWorld(),
		inspector: &fakeInspector{descs: map[string]gemspec.Descriptor{}, errs: map[string]error{}},
		builder:   &fakeBuilder{fail: map[string]error{}},
		logs:      new(bytes.Buffer),
	}

	names := make([]string, 0, len(gems))
	for name, version := range gems {
		names = append(names, name)
		require.NoError(t, os.MkdirAll(filepath.Join(h.base, name), 0o755))
		h.inspector.descs[name] = gemspec.Descriptor{Name: name, Version: version}
	}

	logger := slog.New(slog.NewTextHandler(h.logs, nil))

	pkgs, err := tracked.Resolve(h.base, names, logger)
	require.NoError(t, err)

	h.orch, err = New(Options{
		Packages:   pkgs,
		Inspector:  h.inspector,
		Registry:   h.world,
		Builder:    h.builder,
		Supervisor: h.world,
		Logger:     logger,
	})
	require.NoError(t, err)

	return h
}

func (h *harness) dir(name string) string {
	return filepath.Join(h.base, name)
}

func (h *harness) changed(t *testing.T, names ...string) watch.Batch {
	t.Helper()

	var paths []string
	for _, n := range names {
		paths = append(paths, filepath.Join(h.dir(n), "lib", n+".rb"))
	}

	return watch.Batch{Paths: paths}
}

func publishedNames(r Report) []string {
	out := make([]string, 0, len(r.Published))
	for _, d := range r.Published {
		out = append(out, d.String())
	}

	return out
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	w := newWorld()
	i := &fakeInspector{}
	b := &fakeBuilder{}

	_, err := New(Options{Registry: w, Builder: b, Supervisor: w})
	assert.Error(t, err)

	_, err = New(Options{Inspector: i, Builder: b, Supervisor: w})
	assert.Error(t, err)

	_, err = New(Options{Inspector: i, Registry: w, Supervisor: w})
	assert.Error(t, err)

	_, err = New(Options{Inspector: i, Registry: w, Builder: b})
	assert.Error(t, err)

	_, err = New(Options{Inspector: i, Registry: w, Builder: b, Supervisor: w})
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// HandleBatch
// ---------------------------------------------------------------------------

func TestHandleBatch_InitialPublishesEverything(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "2.0"})

	report, err := h.orch.HandleBatch(context.Background(), watch.Batch{Initial: true})
	require.NoError(t, err)

	assert.Len(t, report.Affected, 2)
	assert.ElementsMatch(t, []string{"alpha-1.0", "beta-2.0"}, publishedNames(report))
	assert.False(t, report.Restarted)
	assert.Empty(t, report.Failed)
}

func TestHandleBatch_InitialIgnoresMissingDirs(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "2.0"})
	require.NoError(t, os.RemoveAll(h.dir("beta")))

	report, err := h.orch.HandleBatch(context.Background(), watch.Batch{Initial: true})
	require.NoError(t, err)

	require.Len(t, report.Affected, 1)
	assert.Equal(t, []string{"alpha-1.0"}, publishedNames(report))
}

func TestHandleBatch_UnrelatedPathsIgnored(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})

	report, err := h.orch.HandleBatch(context.Background(), watch.Batch{
		Paths: []string{filepath.Join(h.base, "README.md"), "/elsewhere/x.rb"},
	})
	require.NoError(t, err)

	assert.Empty(t, report.Affected)
	assert.Empty(t, h.world.pushes)
}

func TestHandleBatch_RestartOnceForListedVersion(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "1.0"})
	h.world.publish("beta", "1.0")

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha", "beta"))
	require.NoError(t, err)

	assert.True(t, report.Restarted)
	assert.Equal(t, 1, h.world.restarts, "restart happens exactly once")
	assert.Equal(t, []string{"alpha-1.0", "beta-1.0"}, publishedNames(report))
	assert.Empty(t, report.Failed)

	for _, name := range []string{"alpha", "beta"} {
		versions, err := h.world.VersionsOf(context.Background(), name)
		require.NoError(t, err)
		assert.True(t, versions.Has("1.0"), name)
	}
}

func TestHandleBatch_DifferentlySpelledVersionIsNotListed(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	h.world.publish("alpha", "1.0.0")

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.False(t, report.Restarted)
	assert.Equal(t, []string{"alpha-1.0"}, publishedNames(report))
}

func TestHandleBatch_LogsPublishedVersionCount(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.2"})
	h.world.publish("alpha", "1.0")
	h.world.publish("alpha", "1.1")

	_, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.Contains(t, h.logs.String(), "published_versions=2")
	assert.Contains(t, h.logs.String(), "listed=false")
}

func TestHandleBatch_NoDuplicatePush(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	ctx := context.Background()

	_, err := h.orch.HandleBatch(ctx, h.changed(t, "alpha"))
	require.NoError(t, err)
	require.Len(t, h.world.pushes, 1)

	// Same version again: detected before any push, so the only push after
	// the reset is against a clean registry.
	report, err := h.orch.HandleBatch(ctx, h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.True(t, report.Restarted)
	assert.Empty(t, report.Failed, "no push ever hit an existing version")
	assert.Len(t, h.world.pushes, 2)
}

func TestHandleBatch_NewVersionPublishesWithoutRestart(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.1"})
	h.world.publish("alpha", "1.0")

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.False(t, report.Restarted)
	assert.Equal(t, []string{"alpha-1.1"}, publishedNames(report))
}

func TestHandleBatch_UsesCredentialAfterRestart(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	h.world.publish("alpha", "1.0")

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.Equal(t, "key-2", h.world.Credential())
	assert.Len(t, report.Published, 1, "stale credential would have been rejected")
}

func TestHandleBatch_DescribeFailureIsolated(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "1.0", "gamma": "1.0"})
	h.inspector.errs["beta"] = gemspec.ErrDescriptorInvalid

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha", "beta", "gamma"))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha-1.0", "gamma-1.0"}, publishedNames(report))
	require.Len(t, report.Failed, 1)
	assert.Equal(t, h.dir("beta"), report.Failed[0].Package.Dir)
	assert.ErrorIs(t, report.Failed[0].Err, gemspec.ErrDescriptorInvalid)

	versions, err := h.world.VersionsOf(context.Background(), "beta")
	require.NoError(t, err)
	assert.True(t, versions.Empty())
}

func TestHandleBatch_BuildFailureIsolated(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "1.0"})
	h.builder.fail["alpha"] = gembuild.ErrBuildFailed

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha", "beta"))
	require.NoError(t, err)

	assert.Equal(t, []string{"beta-1.0"}, publishedNames(report))
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, gembuild.ErrBuildFailed)
}

func TestHandleBatch_ListingFailureSkipsPackage(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	h.world.listErr = registry.ErrServerNotReady

	report, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.NoError(t, err)

	assert.Empty(t, report.Published)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, registry.ErrServerNotReady)
}

func TestHandleBatch_RestartFailureIsFatal(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	h.world.publish("alpha", "1.0")
	h.world.restartErr = errors.New("port never closed")

	_, err := h.orch.HandleBatch(context.Background(), h.changed(t, "alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restarting registry")
	assert.Empty(t, h.world.pushes)
}

func TestHandleBatch_RemovedThenReappearing(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0", "beta": "1.0"})
	ctx := context.Background()

	_, err := h.orch.HandleBatch(ctx, watch.Batch{Initial: true})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(h.dir("beta")))

	report, err := h.orch.HandleBatch(ctx, h.changed(t, "alpha", "beta"))
	require.NoError(t, err)

	require.Len(t, report.Affected, 1, "removed directory dropped without error")
	assert.Equal(t, h.dir("alpha"), report.Affected[0].Dir)
	assert.Empty(t, report.Failed)
	assert.True(t, report.Restarted, "alpha@1.0 was already listed")

	// The reset wiped beta; when it reappears it is a fresh publish.
	require.NoError(t, os.MkdirAll(h.dir("beta"), 0o755))

	report, err = h.orch.HandleBatch(ctx, h.changed(t, "beta"))
	require.NoError(t, err)

	assert.False(t, report.Restarted)
	assert.Equal(t, []string{"beta-1.0"}, publishedNames(report))
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_ProcessesBatchesInOrderUntilClosed(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})

	batches := make(chan watch.Batch, 2)
	batches <- watch.Batch{Initial: true}
	batches <- h.changed(t, "alpha")
	close(batches)

	require.NoError(t, h.orch.Run(context.Background(), batches))

	assert.Equal(t, 1, h.world.restarts)
	assert.Equal(t, []string{"alpha-1.0.gem", "alpha-1.0.gem"}, h.world.pushes)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, h.orch.Run(ctx, make(chan watch.Batch)))
}

func TestRun_RestartFailureEndsLoop(t *testing.T) {
	h := newHarness(t, map[string]string{"alpha": "1.0"})
	h.world.publish("alpha", "1.0")
	h.world.restartErr = errors.New("boom")

	batches := make(chan watch.Batch, 1)
	batches <- watch.Batch{Initial: true}

	err := h.orch.Run(context.Background(), batches)
	assert.ErrorContains(t, err, "boom")
}
