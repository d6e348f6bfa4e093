// Package prompts syncs prompt template files from disk into the system
// prompt store, so operators can edit stage prompts as markdown and have
// running sessions pick up the changes.
package prompts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/dialectic/storage"
)

// PromptStore is the slice of the row store the watcher writes to.
type PromptStore interface {
	PutSystemPrompt(ctx context.Context, sp *storage.SystemPrompt) (string, error)
	GetSystemPromptBySlug(ctx context.Context, slug string) (*storage.SystemPrompt, error)
}

// WatcherConfig configures the prompt file watcher.
type WatcherConfig struct {
	// Dir is the root directory holding prompt template files.
	Dir string

	// Patterns selects template files relative to Dir. Defaults to all
	// markdown files recursively.
	Patterns []string

	// DebounceDelay is how long to wait for more changes before syncing.
	DebounceDelay time.Duration

	// Logger for logging events.
	Logger *slog.Logger
}

// Watcher mirrors a directory of prompt templates into the prompt store.
// The file path relative to the root, minus its extension, becomes the
// prompt slug; nested directories join with dashes.
type Watcher struct {
	config  WatcherConfig
	store   PromptStore
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: collect changes before processing
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	// State tracking for change detection
	hashMu sync.RWMutex
	hashes map[string]string // slug -> content hash
}

// NewWatcher creates a prompt file watcher.
func NewWatcher(config WatcherConfig, store PromptStore) (*Watcher, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("prompt directory is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Patterns) == 0 {
		config.Patterns = []string{"**/*.md"}
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 200 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		store:   store,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]fsnotify.Op),
		hashes:  make(map[string]string),
	}, nil
}

// SyncDir upserts every matching template file once. Called at startup
// before watching so the store reflects the directory from the first job.
func (w *Watcher) SyncDir(ctx context.Context) error {
	root := w.config.Dir
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if path != root && strings.HasPrefix(base, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !w.matches(rel) {
			return nil
		}
		if err := w.syncFile(ctx, path, rel); err != nil {
			return fmt.Errorf("sync prompt %s: %w", rel, err)
		}
		return nil
	})
}

// Start begins watching the directory for template changes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.config.Dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Prompt watcher started",
		"dir", w.config.Dir,
		"patterns", w.config.Patterns,
		"debounce", w.config.DebounceDelay)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SlugForPath derives the prompt slug for a template path relative to the
// watched directory.
func SlugForPath(rel string) string {
	slug := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	return strings.ReplaceAll(slug, "/", "-")
}

func (w *Watcher) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.config.Patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// syncFile upserts one template file, keyed by slug. Re-syncing unchanged
// content is skipped via the hash cache.
func (w *Watcher) syncFile(ctx context.Context, path, rel string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	slug := SlugForPath(rel)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.hashMu.RLock()
	prev, known := w.hashes[slug]
	w.hashMu.RUnlock()
	if known && prev == hash {
		return nil
	}

	sp := &storage.SystemPrompt{Slug: slug, PromptText: string(data)}
	existing, err := w.store.GetSystemPromptBySlug(ctx, slug)
	switch {
	case err == nil:
		sp.ID = existing.ID
		sp.CreatedAt = existing.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
		// first sight of this slug
	default:
		return err
	}

	if _, err := w.store.PutSystemPrompt(ctx, sp); err != nil {
		return err
	}

	w.hashMu.Lock()
	w.hashes[slug] = hash
	w.hashMu.Unlock()

	w.logger.Info("Prompt template synced", "slug", slug, "path", rel)
	return nil
}

// addWatchesRecursive adds watches to all directories under root.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		} else {
			w.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// handleFSEvent processes a single fsnotify event.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}

	rel, err := filepath.Rel(w.config.Dir, path)
	if err != nil || !w.matches(rel) {
		return
	}

	w.pendingMu.Lock()
	w.pending[path] = event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Prompt change detected",
		"path", rel,
		"op", event.Op.String())
}

// handleNewDirectory adds a watch to a newly created directory.
func (w *Watcher) handleNewDirectory(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			"path", path,
			"error", err)
	} else {
		w.logger.Debug("Added watch for new directory", "path", path)
	}
}

// flushPending syncs accumulated changes. Deleted files are only logged;
// stored prompts stay at their last synced version so sessions referencing
// them keep working.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := make(map[string]fsnotify.Op, len(w.pending))
	for k, v := range w.pending {
		toProcess[k] = v
	}
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rel, err := filepath.Rel(w.config.Dir, path)
		if err != nil {
			continue
		}

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			slug := SlugForPath(rel)
			w.hashMu.Lock()
			delete(w.hashes, slug)
			w.hashMu.Unlock()
			w.logger.Info("Prompt file removed, keeping last stored version",
				"slug", slug, "path", rel)
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		if err := w.syncFile(ctx, path, rel); err != nil {
			w.logger.Error("Failed to sync prompt",
				"path", rel,
				"error", err)
		}
	}
}
