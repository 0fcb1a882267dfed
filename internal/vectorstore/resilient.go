package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

var collectionDirPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// openIndex opens the chromem DB at path. Collection directories that hold
// documents but lost their metadata file are moved to quarantineDir and the
// load is retried once, so one damaged collection does not take the whole
// index down.
func openIndex(ctx context.Context, path, quarantineDir string, compress bool, logger *logging.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(ctx, path, logger)
	if findErr != nil || len(corrupt) == 0 {
		return nil, err
	}

	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", err)
	}
	for _, name := range corrupt {
		src := filepath.Join(path, name)
		dst := filepath.Join(quarantineDir, name)
		logger.Warn(ctx, "quarantining corrupt collection", zap.String("from", src), zap.String("to", dst))
		if err := os.Rename(src, dst); err != nil {
			logger.Error(ctx, "quarantine failed", zap.String("collection", name), zap.Error(err))
		}
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("loading index after quarantine: %w", err)
	}
	logger.Info(ctx, "index loaded after quarantine", zap.Int("quarantined", len(corrupt)))
	return db, nil
}

// findCorruptCollections lists collection directories with document files
// but no metadata file.
func findCorruptCollections(ctx context.Context, path string, logger *logging.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		// names are used to build rename targets
		if !entry.IsDir() || !collectionDirPattern.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if hasMetadataFile(dir) {
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn(ctx, "cannot inspect collection", zap.String("collection", entry.Name()), zap.Error(err))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && (strings.HasSuffix(f.Name(), ".gob") || strings.HasSuffix(f.Name(), ".gob.gz")) {
				corrupt = append(corrupt, entry.Name())
				break
			}
		}
	}
	return corrupt, nil
}

func hasMetadataFile(dir string) bool {
	for _, name := range []string{"00000000.gob", "00000000.gob.gz"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
