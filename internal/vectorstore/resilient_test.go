package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

func TestFindCorruptCollections(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewNop()

	mk := func(name string, files ...string) {
		t.Helper()
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(p, 0o755))
		for _, f := range files {
			require.NoError(t, os.WriteFile(filepath.Join(p, f), []byte("x"), 0o644))
		}
	}
	mk("aaaaaaaa", "00000000.gob", "1234abcd.gob")
	mk("bbbbbbbb", "1234abcd.gob")
	mk("cccccccc", "1234abcd.gob.gz")
	mk("dddddddd")
	mk("not-a-collection", "1234abcd.gob")
	mk("eeeeeeee", "00000000.gob.gz", "5678abcd.gob.gz")

	corrupt, err := findCorruptCollections(context.Background(), dir, logger)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bbbbbbbb", "cccccccc"}, corrupt)

	_, err = findCorruptCollections(context.Background(), filepath.Join(dir, "missing"), logger)
	assert.Error(t, err)
}

func TestOpenIndex_Fresh(t *testing.T) {
	dir := t.TempDir()
	db, err := openIndex(context.Background(), filepath.Join(dir, "index"), filepath.Join(dir, ".quarantine"), false, logging.NewNop())
	require.NoError(t, err)
	assert.Empty(t, db.ListCollections())

	_, err = os.Stat(filepath.Join(dir, ".quarantine"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifest_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := readManifest(dir)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, writeManifest(dir, &manifest{Version: manifestVersion, Metric: MetricIP, Dimension: 8}))
	m, err = readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, MetricIP, m.Metric)
	assert.True(t, m.used())

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("version: 9\nmetric: cosine\n"), 0o644))
	_, err = readManifest(dir)
	assert.ErrorContains(t, err, "version")

	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("version: 1\nmetric: hamming\n"), 0o644))
	_, err = readManifest(dir)
	assert.Error(t, err)
}
