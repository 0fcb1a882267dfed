package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

// run executes the CLI against a fresh index in dir.
func run(t *testing.T, dir string, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("AGENTMEM_LOGGING__LEVEL", "error")

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--output-dir", dir}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLI_AddQueryCount(t *testing.T) {
	dir := t.TempDir()

	out, _, err := run(t, dir, "", "add", "Swarms agents collaborate.", "--meta", "source=a", "--meta", "page=1")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	_, _, err = run(t, dir, "Pinecone stores vectors.", "add", "--meta", "source=b")
	require.NoError(t, err)

	out, _, err = run(t, dir, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, _, err = run(t, dir, "", "query", "agents", "-n", "1", "--json")
	require.NoError(t, err)
	var results []vectorstore.QueryResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, "a", results[0].Metadata["source"])

	out, _, err = run(t, dir, "", "query", "agents", "--filter", "page=1")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "source: a")

	_, _, err = run(t, dir, "", "delete", "--source", "b")
	require.NoError(t, err)
	_, _, err = run(t, dir, "", "delete", id)
	require.NoError(t, err)

	out, _, err = run(t, dir, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	out, _, err = run(t, dir, "", "query", "agents")
	require.NoError(t, err)
	assert.Equal(t, "no results\n", out)
}

func TestCLI_Ingest(t *testing.T) {
	dir := t.TempDir()
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.md"), []byte("agents collaborate"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.txt"), []byte("vectors are stored"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(docs, "gone"), filepath.Join(docs, "c.txt")))

	out, stderr, err := run(t, dir, "", "ingest", docs)
	require.NoError(t, err)
	assert.Equal(t, "ingested 2 chunks from 2 files (1 skipped)\n", out)
	assert.Contains(t, stderr, "c.txt")

	_, _, err = run(t, dir, "", "ingest", filepath.Join(docs, "missing"))
	assert.ErrorIs(t, err, vectorstore.ErrPath)
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := run(t, dir, "", "add", "   ")
	assert.ErrorIs(t, err, vectorstore.ErrEmbedding)

	_, _, err = run(t, dir, "", "query", "x", "-n", "-1")
	assert.ErrorIs(t, err, vectorstore.ErrQuery)

	_, _, err = run(t, dir, "", "--backend", "cloud", "count")
	assert.ErrorContains(t, err, "backend must be")

	_, _, err = run(t, dir, "", "delete")
	assert.ErrorContains(t, err, "either document IDs or --source")

	_, _, err = run(t, dir, "", "add", "x", "--meta", "novalue")
	assert.ErrorContains(t, err, "invalid key=value")
}

func TestCLI_MetricLockedAfterFirstUse(t *testing.T) {
	dir := t.TempDir()

	_, _, err := run(t, dir, "", "add", "first document")
	require.NoError(t, err)

	t.Setenv("AGENTMEM_METRIC", "l2")
	_, _, err = run(t, dir, "", "count")
	assert.ErrorIs(t, err, vectorstore.ErrConfig)
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"s=notes", "i=3", "f=0.5", "b=true", "q='3'", "e="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"s": "notes",
		"i": int64(3),
		"f": 0.5,
		"b": true,
		"q": "3",
		"e": "",
	}, got)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\t\tc ", 10))
	assert.Equal(t, "abc...", oneLine("abcdef", 3))
}

func TestRootCmd_Commands(t *testing.T) {
	var names []string
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"add", "query", "ingest", "count", "delete", "watch", "serve"})
}
