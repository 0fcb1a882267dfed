// Package ingest walks directories, splits text files into fixed-size token
// chunks and hands each chunk to a memory adapter.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentmem/internal/logging"
)

var (
	// ErrNotFound is returned when the root path does not exist.
	ErrNotFound = errors.New("path does not exist")

	// ErrNotDirectory is returned when the root path is not a directory.
	ErrNotDirectory = errors.New("path is not a directory")

	// ErrSkip may be wrapped by an AddFunc error to record the chunk as a
	// warning and carry on. Any other AddFunc error stops the traversal.
	ErrSkip = errors.New("skip chunk")

	errTooLarge = errors.New("file exceeds size limit")
	errNotText  = errors.New("file is not valid UTF-8 text")
)

// Chunk metadata keys.
const (
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
	MetaChunkCount = "chunk_count"
)

// DefaultExtensions are the file extensions treated as text.
var DefaultExtensions = []string{
	".txt", ".md", ".markdown", ".rst",
	".go", ".py", ".js", ".ts",
	".json", ".yaml", ".yml", ".toml", ".csv",
	".html", ".xml", ".sh",
}

// AddFunc stores one chunk and returns its ID.
type AddFunc func(ctx context.Context, text string, metadata map[string]any) (string, error)

// Options configures a Traverser.
type Options struct {
	// LimitTokens is the chunk size in tokens. Defaults to 1000.
	LimitTokens int
	// Extensions lists accepted file extensions. Defaults to DefaultExtensions.
	Extensions []string
	// Workers bounds concurrent file reads. Defaults to 4.
	Workers int
	// RespectGitignore skips paths excluded by .gitignore files under the root.
	RespectGitignore bool
	// MaxFileSize skips larger files with a warning. Defaults to 10MB.
	MaxFileSize int64
	// Tokenizer defaults to WordTokenizer.
	Tokenizer Tokenizer
	Logger    *logging.Logger
}

// DefaultOptions returns the defaults with gitignore support on.
func DefaultOptions() Options {
	return Options{
		LimitTokens:      1000,
		Extensions:       DefaultExtensions,
		Workers:          4,
		RespectGitignore: true,
		MaxFileSize:      10 << 20,
		Tokenizer:        WordTokenizer{},
	}
}

// Warning records a file that was skipped or only partly ingested.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) Error() string {
	return w.Path + ": " + w.Err.Error()
}

func (w Warning) Unwrap() error { return w.Err }

// Report summarizes one traversal.
type Report struct {
	// Files is the number of files read successfully.
	Files int
	// Chunks is the number of chunks stored, len(IDs).
	Chunks int
	// IDs of the stored chunks in document order.
	IDs      []string
	Warnings []Warning
}

// Traverser walks directory trees and feeds chunks to an AddFunc.
type Traverser struct {
	opts       Options
	extensions map[string]struct{}
	logger     *logging.Logger
}

// NewTraverser applies defaults to opts and validates them.
func NewTraverser(opts Options) (*Traverser, error) {
	def := DefaultOptions()
	if opts.LimitTokens == 0 {
		opts.LimitTokens = def.LimitTokens
	}
	if opts.LimitTokens < 0 {
		return nil, fmt.Errorf("limit tokens must be > 0, got %d", opts.LimitTokens)
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = def.Extensions
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = def.MaxFileSize
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = def.Tokenizer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Traverser{opts: opts, extensions: exts, logger: logger.Named("ingest")}, nil
}

// Options returns the effective options.
func (t *Traverser) Options() Options { return t.opts }

// Traverse ingests every eligible file under root. Files are read
// concurrently but add is always called from the calling goroutine, in
// lexical path order and chunk order, so repeated runs over an unchanged tree
// produce the same sequence of chunks.
func (t *Traverser) Traverse(ctx context.Context, root string, add AddFunc) (Report, error) {
	var report Report

	root, err := checkRoot(root)
	if err != nil {
		return report, err
	}

	files, warnings := t.collect(root)
	report.Warnings = append(report.Warnings, warnings...)
	t.logger.Debug(ctx, "collected files", zap.String("root", root), zap.Int("files", len(files)))

	type loaded struct {
		chunks []string
		err    error
	}
	results := make([]chan loaded, len(files))
	for i := range results {
		results[i] = make(chan loaded, 1)
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(readCtx)
	g.SetLimit(t.opts.Workers)
	go func() {
		for i, path := range files {
			g.Go(func() error {
				if gctx.Err() != nil {
					results[i] <- loaded{err: gctx.Err()}
					return nil
				}
				chunks, err := t.load(path)
				results[i] <- loaded{chunks: chunks, err: err}
				return nil
			})
		}
	}()

	for i, path := range files {
		var res loaded
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return report, ctx.Err()
		}

		rel := relPath(root, path)
		if res.err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Warnings = append(report.Warnings, t.warn(ctx, rel, res.err))
			continue
		}

		ids, warns, err := t.addChunks(ctx, rel, res.chunks, add)
		report.IDs = append(report.IDs, ids...)
		report.Chunks = len(report.IDs)
		report.Warnings = append(report.Warnings, warns...)
		if err != nil {
			return report, err
		}
		report.Files++
	}

	cancel()
	_ = g.Wait()

	t.logger.Info(ctx, "directory ingested",
		zap.String("root", root),
		zap.Int("files", report.Files),
		zap.Int("chunks", report.Chunks),
		zap.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

// IngestFile chunks a single file under root and adds its chunks. Used by
// the watcher to re-ingest changed files.
func (t *Traverser) IngestFile(ctx context.Context, root, path string, add AddFunc) ([]string, []Warning, error) {
	chunks, err := t.load(path)
	if err != nil {
		return nil, nil, err
	}
	return t.addChunks(ctx, relPath(root, path), chunks, add)
}

// Eligible reports whether path has an accepted extension.
func (t *Traverser) Eligible(path string) bool {
	_, ok := t.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (t *Traverser) addChunks(ctx context.Context, source string, chunks []string, add AddFunc) ([]string, []Warning, error) {
	var (
		ids   []string
		warns []Warning
	)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return ids, warns, err
		}
		id, err := add(ctx, chunk, map[string]any{
			MetaSource:     source,
			MetaChunkIndex: i,
			MetaChunkCount: len(chunks),
		})
		if err != nil {
			if errors.Is(err, ErrSkip) {
				warns = append(warns, t.warn(ctx, source, fmt.Errorf("chunk %d: %w", i, err)))
				continue
			}
			return ids, warns, fmt.Errorf("adding chunk %d of %s: %w", i, source, err)
		}
		ids = append(ids, id)
		t.logger.Trace(ctx, "chunk added", zap.String("source", source), zap.Int("chunk", i), zap.String("id", id))
	}
	return ids, warns, nil
}

func (t *Traverser) warn(ctx context.Context, path string, err error) Warning {
	t.logger.Warn(ctx, "skipping file", zap.String("path", path), zap.Error(err))
	return Warning{Path: path, Err: err}
}

// load reads and chunks one file.
func (t *Traverser) load(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}
	if info.Size() > t.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errNotText
	}
	return t.opts.Tokenizer.Chunk(string(data), t.opts.LimitTokens), nil
}

// collect walks root and returns eligible files in lexical order. Entries
// that cannot be inspected become warnings.
func (t *Traverser) collect(root string) ([]string, []Warning) {
	matcher := t.ignoreMatcher(root)

	var (
		files    []string
		warnings []Warning
	)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root {
				warnings = append(warnings, Warning{Path: relPath(root, path), Err: err})
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		isDir := d.IsDir()
		if isDir && d.Name() == ".git" {
			return fs.SkipDir
		}
		if matcher != nil && matcher.Match(splitPath(root, path), isDir) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}
		if isDir || !t.Eligible(path) {
			return nil
		}
		// symlinks and other non-regular entries are resolved in load and
		// reported there when broken
		files = append(files, path)
		return nil
	})

	slices.Sort(files)
	return files, warnings
}

func (t *Traverser) ignoreMatcher(root string) gitignore.Matcher {
	if !t.opts.RespectGitignore {
		return nil
	}
	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil || len(patterns) == 0 {
		return nil
	}
	return gitignore.NewMatcher(patterns)
}

func checkRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}
	return abs, nil
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func splitPath(root, path string) []string {
	return strings.Split(relPath(root, path), "/")
}
