package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentmem/internal/config"
	"github.com/fyrsmithlabs/agentmem/internal/embeddings"
	"github.com/fyrsmithlabs/agentmem/internal/logging"
	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)

	embedder, err := embeddings.NewHashEmbedder(0)
	require.NoError(t, err)
	adapter, err := vectorstore.NewAdapter(cfg, embedder, vectorstore.Hooks{}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	return &app{cfg: cfg, logger: logging.NewNop(), embedder: embedder, adapter: adapter}
}

func TestServe_IngestsDocsFolderAndShutsDown(t *testing.T) {
	a := testApp(t)
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.md"), []byte("agents collaborate"), 0o644))
	a.cfg.DocsFolder = docs

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, true) }()

	require.Eventually(t, func() bool {
		n, err := a.adapter.Count(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_MissingDocsFolder(t *testing.T) {
	a := testApp(t)
	a.cfg.DocsFolder = filepath.Join(t.TempDir(), "missing")

	err := serve(context.Background(), a, false)
	assert.ErrorIs(t, err, vectorstore.ErrPath)
}
