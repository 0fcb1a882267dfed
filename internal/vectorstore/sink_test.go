package vectorstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentmem/internal/ingest"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

func TestSink_AddAndForget(t *testing.T) {
	ctx := context.Background()
	a := newLocal(t, LocalConfig{Ingest: ingestOptions(10)}, hashEmbedder(t))
	sink := NewSink(a)

	_, err := sink.Add(ctx, "alpha chunk", map[string]any{ingest.MetaSource: "a.md", ingest.MetaChunkIndex: 0})
	require.NoError(t, err)
	_, err = sink.Add(ctx, "beta chunk", map[string]any{ingest.MetaSource: "b.md", ingest.MetaChunkIndex: 0})
	require.NoError(t, err)

	require.NoError(t, sink.Forget(ctx, "a.md"))
	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = sink.Add(ctx, "   ", nil)
	assert.ErrorIs(t, err, ingest.ErrSkip)
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestWatch_ReingestsChangedFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}
	logger := logging.NewTestLogger()
	opts := ingestOptions(10)
	opts.Logger = logger.Logger
	a := newLocal(t, LocalConfig{Ingest: opts}, hashEmbedder(t))
	root := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan ingest.SyncEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, a, root, ingest.WatchOptions{
			Debounce: 20 * time.Millisecond,
			OnSync:   func(ev ingest.SyncEvent) { events <- ev },
		})
	}()
	require.Eventually(t, func() bool {
		return logger.FilterMessage("watching directory").Len() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("agents collaborate on tasks"), 0o644))

	var ev ingest.SyncEvent
	select {
	case ev = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync event")
	}
	require.NoError(t, ev.Err)
	assert.Equal(t, "notes.md", ev.Source)
	assert.False(t, ev.Removed)

	require.Eventually(t, func() bool {
		results, err := a.Query(ctx, "agents", 5, Filter{ingest.MetaSource: "notes.md"})
		return err == nil && len(results) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(root, "notes.md")))
	require.Eventually(t, func() bool {
		n, err := a.Count(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_InvalidRoot(t *testing.T) {
	a := newLocal(t, LocalConfig{}, hashEmbedder(t))
	err := Watch(context.Background(), a, filepath.Join(t.TempDir(), "missing"), ingest.WatchOptions{})
	assert.ErrorIs(t, err, ErrPath)
}

func TestWatch_RequiresTraverser(t *testing.T) {
	err := Watch(context.Background(), bareAdapter{}, t.TempDir(), ingest.WatchOptions{})
	assert.True(t, errors.Is(err, ErrConfig))
}

type bareAdapter struct{ Adapter }

func (bareAdapter) Backend() string { return "bare" }
