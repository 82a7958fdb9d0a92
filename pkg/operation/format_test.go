package operation_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/tidymark/tidymark/pkg/config"
	"github.com/tidymark/tidymark/pkg/digest"
	tidylog "github.com/tidymark/tidymark/pkg/log"
	"github.com/tidymark/tidymark/pkg/operation"
	"github.com/tidymark/tidymark/pkg/scan"
	"github.com/tidymark/tidymark/pkg/state"
	"github.com/tidymark/tidymark/pkg/status"
	"github.com/tidymark/tidymark/pkg/transform"
)

// countingTransformer wraps a transform func and counts calls, safely across
// worker goroutines.
type countingTransformer struct {
	mu    sync.Mutex
	calls []string
	fn    func(req transform.Request) (string, error)
}

func (c *countingTransformer) Transform(ctx context.Context, req transform.Request) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Identity)
	c.mu.Unlock()
	return c.fn(req)
}

func (c *countingTransformer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// identityTransformer returns its input unchanged.
func identityTransformer() *countingTransformer {
	return &countingTransformer{fn: func(req transform.Request) (string, error) {
		return req.Content, nil
	}}
}

type testEnv struct {
	ctx         context.Context
	root        string
	cfg         *config.Config
	state       *state.State
	transformer *countingTransformer
	console     *bytes.Buffer
	force       bool
	now         func() time.Time
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	cfg := &config.Config{Root: root}
	require.NoError(t, cfg.Validate())

	st, err := state.New(root)
	require.NoError(t, err)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	ctx := logger.WithContext(context.Background())

	return &testEnv{
		ctx:         ctx,
		root:        root,
		cfg:         cfg,
		state:       st,
		transformer: identityTransformer(),
		console:     &bytes.Buffer{},
	}
}

func (e *testEnv) operator(t *testing.T) *operation.Operator {
	t.Helper()

	scanner, err := scan.New(scan.Options{
		Root:     e.cfg.Root,
		Ignore:   e.cfg.Ignore,
		SkipDirs: e.cfg.SkipDirs,
	})
	require.NoError(t, err)

	zlog := zerolog.New(zerolog.NewTestWriter(t))
	op, err := operation.New(operation.Options{
		Config:      e.cfg,
		State:       e.state,
		Scanner:     scanner,
		Transformer: e.transformer,
		Files:       status.NewManager(e.cfg.Root),
		Console:     tidylog.New(e.console, zlog),
		Force:       e.force,
		Now:         e.now,
	})
	require.NoError(t, err)
	return op
}

func (e *testEnv) read(t *testing.T, name string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(content)
}

func (e *testEnv) reloadState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.New(e.root)
	require.NoError(t, err)
	require.NoError(t, st.Load(e.ctx))
	return st
}

func TestNewValidation(t *testing.T) {
	_, err := operation.New(operation.Options{})
	require.Error(t, err)
}

func TestFormatScenario(t *testing.T) {
	// Document with content "x", empty store: classified new, transformed to
	// "y", overwritten, store maps to the output fingerprint. A second run
	// without source edits does nothing.
	env := newTestEnv(t, map[string]string{"a.md": "x"})
	env.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		return "y", nil
	}}

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Formatted)
	assert.Equal(t, "y", env.read(t, "a.md"))

	st := env.reloadState(t)
	entry, ok := st.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, digest.Bytes([]byte("y")), entry.Fingerprint)
	assert.Equal(t, digest.Bytes([]byte("x")), entry.OriginalFingerprint)
	assert.Equal(t, state.StatusFormatted, entry.Status)

	// Second run: on-disk "y" matches the store, no transform call, no write.
	env2 := newTestEnv(t, nil)
	env2.root = env.root
	env2.cfg = env.cfg
	env2.state = env.reloadState(t)
	env2.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		return "z", nil
	}}

	summary, err = env2.operator(t).Format(env2.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, env2.transformer.count(), "unchanged document must not be re-sent")
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, "y", env.read(t, "a.md"))
}

func TestFormatIdempotence(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.md":     "# A",
		"b.md":     "# B",
		"sub/c.md": "# C",
	})

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, env.transformer.count())
	assert.Equal(t, 3, summary.Unchanged, "identity transform writes nothing")
	assert.Zero(t, summary.Formatted)

	env.state = env.reloadState(t)
	summary, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, env.transformer.count(), "second run makes zero transform calls")
	assert.Equal(t, 3, summary.Unchanged)
}

func TestFormatConvergenceNoWrite(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})

	before, err := os.Stat(filepath.Join(env.root, "a.md"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(env.root, "a.md"),
		before.ModTime().Add(-time.Hour), before.ModTime().Add(-time.Hour)))
	before, err = os.Stat(filepath.Join(env.root, "a.md"))
	require.NoError(t, err)

	_, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)

	after, err := os.Stat(filepath.Join(env.root, "a.md"))
	require.NoError(t, err)
	assert.True(t, after.ModTime().Equal(before.ModTime()),
		"byte-identical output must not touch the file")
}

func TestFormatPrunesRemovedDocuments(t *testing.T) {
	env := newTestEnv(t, map[string]string{"keep.md": "# Keep"})
	env.state.Put("deleted.md", state.DocumentEntry{Fingerprint: "old"})
	require.NoError(t, env.state.Save(env.ctx))

	_, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)

	st := env.reloadState(t)
	_, ok := st.Get("deleted.md")
	assert.False(t, ok, "entries for removed documents are pruned")
	_, ok = st.Get("keep.md")
	assert.True(t, ok)
}

func TestFormatEmptyDocumentsSkipped(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"empty.md":      "",
		"whitespace.md": "  \n\t\n",
		"real.md":       "# Real",
	})

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"real.md"}, env.transformer.calls,
		"empty documents are never sent to the service")
	assert.Equal(t, 2, summary.Skipped)

	st := env.reloadState(t)
	_, ok := st.Get("empty.md")
	assert.False(t, ok, "skipped empty documents get no lock entry")
}

func TestFormatFailurePinsOriginalFingerprint(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})
	env.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		return "", transform.Protocol("garbled", nil)
	}}

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err, "per-document failures do not fail the run")
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "# A", env.read(t, "a.md"), "original content retained")

	st := env.reloadState(t)
	entry, ok := st.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, digest.Bytes([]byte("# A")), entry.Fingerprint,
		"failed documents pin the original fingerprint")
	assert.Equal(t, state.StatusFailed, entry.Status)

	// With unchanged source, the next run does not retry the failure.
	env.state = env.reloadState(t)
	env.transformer = identityTransformer()
	_, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, env.transformer.count(),
		"failed-but-unchanged documents are retried only after a source edit")
}

func TestFormatFatalShortCircuits(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.md": "# A",
		"b.md": "# B",
		"c.md": "# C",
	})
	// Sequential processing: a.md succeeds, b.md reports invalid credentials.
	env.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		switch req.Identity {
		case "a.md":
			return "# A formatted", nil
		default:
			return "", transform.Fatal("bad credentials", nil)
		}
	}}

	_, err := env.operator(t).Format(env.ctx)
	require.Error(t, err, "fatal failures abort the run")

	assert.Equal(t, []string{"a.md", "b.md"}, env.transformer.calls,
		"no candidate after the fatal one reaches the service")
	assert.Equal(t, "# A formatted", env.read(t, "a.md"),
		"work completed before the fatal failure is kept")

	st := env.reloadState(t)
	entry, ok := st.Get("a.md")
	require.True(t, ok, "entries applied before the abort are saved")
	assert.Equal(t, digest.Bytes([]byte("# A formatted")), entry.Fingerprint)

	_, ok = st.Get("c.md")
	assert.False(t, ok, "unprocessed candidates get no entry")
}

func TestFormatForce(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})

	_, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.transformer.count())

	env.state = env.reloadState(t)
	env.force = true
	_, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.transformer.count(), "force re-sends unchanged documents")
}

func TestFormatRecheckWindow(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})
	env.cfg.RecheckAfter = "168h"
	require.NoError(t, env.cfg.Validate())

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	env.now = func() time.Time { return base }

	_, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.transformer.count())

	// Within the window: nothing to do.
	env.state = env.reloadState(t)
	env.now = func() time.Time { return base.Add(24 * time.Hour) }
	_, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.transformer.count())

	// Past the window: the entry is stale and the document is re-sent.
	env.state = env.reloadState(t)
	env.now = func() time.Time { return base.Add(200 * time.Hour) }
	_, err = env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.transformer.count(), "stale entries are re-formatted")
}

func TestFormatWorkerPool(t *testing.T) {
	files := map[string]string{
		"a.md": "# A",
		"b.md": "# B",
		"c.md": "# C",
		"d.md": "# D",
		"e.md": "# E",
		"f.md": "# F",
	}
	env := newTestEnv(t, files)
	env.cfg.Workers = 4
	env.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		return req.Content + "\n", nil
	}}

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(files), summary.Formatted)
	assert.Equal(t, len(files), env.transformer.count())

	st := env.reloadState(t)
	assert.Equal(t, len(files), st.Len())
	for name, content := range files {
		assert.Equal(t, content+"\n", env.read(t, name))
		entry, ok := st.Get(name)
		require.True(t, ok)
		assert.Equal(t, digest.Bytes([]byte(content+"\n")), entry.Fingerprint)
	}
}

func TestFormatFailsOnCorruptState(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})
	require.NoError(t, os.WriteFile(env.state.Path(), []byte("{broken"), 0644))

	_, err := env.operator(t).Format(env.ctx)
	require.Error(t, err, "a corrupt lock file must fail the run, not reset history")
	assert.Equal(t, 0, env.transformer.count())
}

func TestFormatRecordsConfigHashAndRun(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.md": "# A"})

	_, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)

	st := env.reloadState(t)
	assert.Equal(t, env.cfg.Hash(), st.ConfigHash())
	require.NotNil(t, st.LastRun())
	assert.NotEmpty(t, st.LastRun().ID)
}

func TestFormatUnclassifiedErrorKeepsRunAlive(t *testing.T) {
	// A mix of failing and succeeding documents in one run.
	env := newTestEnv(t, map[string]string{
		"bad.md":  "# Bad",
		"good.md": "# Good",
	})
	env.transformer = &countingTransformer{fn: func(req transform.Request) (string, error) {
		if req.Identity == "bad.md" {
			return "", errors.New("unclassified pipeline error")
		}
		return "# Good\n", nil
	}}

	summary, err := env.operator(t).Format(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Formatted)
	assert.Equal(t, "# Good\n", env.read(t, "good.md"))
}
