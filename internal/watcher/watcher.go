package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReadyHandler receives manifest paths that stopped changing, in name order.
type ReadyHandler func(paths []string)

// Config holds watcher configuration.
type Config struct {
	// Settle is how long a file must stay unchanged before it is handed out.
	Settle time.Duration

	// MaxBatch forces a flush once this many files are pending.
	MaxBatch int

	// Accept selects file names worth handing out. Nil accepts all.
	Accept func(name string) bool
}

// DefaultConfig returns default watcher configuration.
func DefaultConfig() Config {
	return Config{
		Settle:   500 * time.Millisecond,
		MaxBatch: 100,
	}
}

// Watcher watches one flat directory for dropped files. Subdirectories are
// ignored, so processed/ and failed/ can live inside it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	config    Config
	logger    zerolog.Logger
	handler   ReadyHandler

	pending  map[string]struct{}
	mu       sync.Mutex
	settleAt *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for dir. The directory must exist when Start runs.
func New(dir string, config Config, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if config.Settle <= 0 {
		config.Settle = DefaultConfig().Settle
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultConfig().MaxBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       abs,
		config:    config,
		logger:    logger.With().Str("component", "watcher").Str("dir", abs).Logger(),
		pending:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetHandler sets the function receiving settled files.
func (w *Watcher) SetHandler(handler ReadyHandler) {
	w.handler = handler
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.eventLoop()
	w.logger.Debug().Msg("Watching directory")
	return nil
}

// Stop stops the watcher and drops files that have not settled yet.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	if w.settleAt != nil {
		w.settleAt.Stop()
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	return w.fsWatcher.Close()
}

// Scan returns the accepted regular files already in the directory.
func (w *Watcher) Scan() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && w.accepts(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	return paths, nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleFsEvent tracks arrivals and forgets files that went away before
// settling. A rename into the directory arrives as Create.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if filepath.Dir(event.Name) != w.dir || !w.accepts(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.touch(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
	}
}

// touch marks path pending and restarts the settle delay.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if len(w.pending) >= w.config.MaxBatch {
		w.flushLocked()
		return
	}

	if w.settleAt != nil {
		w.settleAt.Stop()
	}
	w.settleAt = time.AfterFunc(w.config.Settle, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.flushLocked()
	})
}

func (w *Watcher) flushLocked() {
	if w.settleAt != nil {
		w.settleAt.Stop()
		w.settleAt = nil
	}
	if len(w.pending) == 0 || w.ctx.Err() != nil {
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]struct{})

	if w.handler != nil {
		go w.handler(paths)
	}
	w.logger.Debug().Int("count", len(paths)).Msg("Files settled")
}

// accepts skips hidden and partially written files, then applies the filter.
func (w *Watcher) accepts(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return w.config.Accept == nil || w.config.Accept(name)
}
