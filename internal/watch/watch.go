// Package watch re-indexes PDFs dropped into a directory.
//
// Create and Write events for *.pdf files are collected until the directory
// has been quiet for the debounce interval, then the settled set is handed
// to the ingester in one batch. Files matched by the directory's .ragignore
// are skipped; the ignore file is re-read whenever it changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pdfrag/internal/ignore"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
)

// DefaultDebounce is the quiet period before a batch is ingested.
const DefaultDebounce = 2 * time.Second

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Ingester indexes the files matched by patterns.
type Ingester interface {
	Ingest(ctx context.Context, patterns []string) (*retrieval.IngestResult, error)
}

// Batch reports one debounced ingestion.
type Batch struct {
	Paths  []string
	Result *retrieval.IngestResult
	Err    error
}

// Config tunes a Watcher.
type Config struct {
	Debounce time.Duration
	// InitialScan ingests the PDFs already in the directory before watching.
	InitialScan bool
	Logger      *zap.Logger
}

// Watcher watches one directory (not recursively).
type Watcher struct {
	dir      string
	cfg      Config
	ingester Ingester
	watcher  *fsnotify.Watcher
	batches  chan Batch
	skip     *ignore.Matcher
	logger   *zap.Logger
}

// New creates a watcher for dir. It fails if dir is not a directory.
func New(dir string, ingester Ingester, cfg Config) (*Watcher, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory: %s is not a directory", dir)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	skip, err := ignore.Load(dir)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		dir:      dir,
		cfg:      cfg,
		ingester: ingester,
		watcher:  fw,
		batches:  make(chan Batch, 16),
		skip:     skip,
		logger:   cfg.Logger.With(zap.String("dir", dir)),
	}, nil
}

// Batches delivers the outcome of every ingestion. Batches are dropped when
// nobody reads them.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Run processes events until ctx is done. Pending files are not ingested
// after cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if w.cfg.InitialScan {
		w.ingest(ctx, []string{w.dir})
	}
	w.logger.Info("watching for PDFs", zap.Duration("debounce", w.cfg.Debounce))

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == ignore.FileName {
				w.reloadIgnore()
				continue
			}
			if !isPDF(event.Name) || w.skip.Match(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = struct{}{}
				timer.Reset(w.cfg.Debounce)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)
			w.ingest(ctx, paths)
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, paths []string) {
	result, err := w.ingester.Ingest(ctx, paths)
	if err != nil {
		w.logger.Error("ingest failed", zap.Strings("paths", paths), zap.Error(err))
	} else {
		w.logger.Info("ingested changed PDFs",
			zap.Int("files", len(result.Documents)),
			zap.Int("chunks", result.Chunks),
			zap.Int("failures", len(result.Failures)),
		)
	}
	select {
	case w.batches <- Batch{Paths: paths, Result: result, Err: err}:
	default:
	}
}

func (w *Watcher) reloadIgnore() {
	skip, err := ignore.Load(w.dir)
	if err != nil {
		w.logger.Warn("keeping previous ignore patterns", zap.Error(err))
		return
	}
	w.skip = skip
	w.logger.Info("reloaded ignore patterns", zap.Strings("patterns", skip.Patterns()))
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
