package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Starter accepts download requests.
type Starter interface {
	StartAsset(a manifest.Asset) error
	StartEngine(e manifest.Engine) error
}

// Service watches an inbox directory and starts a download for every
// manifest document dropped into it. Handled files move to processed/,
// rejected ones to failed/.
type Service struct {
	watcher *Watcher
	dir     string
	starter Starter
	logger  zerolog.Logger

	// Serializes processing so a file seen by both the initial scan and an
	// event is only started once.
	mu sync.Mutex
}

// NewService creates an inbox watcher for dir.
func NewService(dir string, starter Starter, logger zerolog.Logger) (*Service, error) {
	config := DefaultConfig()
	config.Accept = manifest.IsManifestFile

	watcher, err := New(dir, config, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		watcher: watcher,
		dir:     dir,
		starter: starter,
		logger:  logger.With().Str("component", "inbox").Str("dir", dir).Logger(),
	}
	watcher.SetHandler(s.handleReady)

	return s, nil
}

// Start creates the inbox, picks up files already present and begins
// watching for new ones.
func (s *Service) Start(ctx context.Context) error {
	for _, d := range []string{s.dir, filepath.Join(s.dir, processedDir), filepath.Join(s.dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}
	}

	if err := s.watcher.Start(); err != nil {
		return err
	}

	existing, err := s.watcher.Scan()
	if err != nil {
		return err
	}
	for _, path := range existing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.process(path)
	}

	s.logger.Info().Int("pending", len(existing)).Msg("Inbox watcher started")
	return nil
}

// Stop stops the watcher service.
func (s *Service) Stop() error {
	return s.watcher.Stop()
}

func (s *Service) handleReady(paths []string) {
	for _, path := range paths {
		s.logger.Debug().Str("path", path).Msg("Processing inbox file")
		s.process(path)
	}
}

// process starts the download a manifest describes and files it away.
func (s *Service) process(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}

	if err := s.start(path); err != nil {
		s.logger.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Rejected inbox manifest")
		s.move(path, failedDir)
		return
	}
	s.move(path, processedDir)
}

func (s *Service) start(path string) error {
	doc, err := manifest.Load(path)
	if err != nil {
		return err
	}
	if doc.Asset != nil {
		if err := s.starter.StartAsset(*doc.Asset); err != nil {
			return err
		}
		s.logger.Info().Str("asset", doc.Asset.ID).Msg("Started asset download from inbox")
		return nil
	}
	if err := s.starter.StartEngine(*doc.Engine); err != nil {
		return err
	}
	s.logger.Info().Str("engine", doc.Engine.Version).Msg("Started engine download from inbox")
	return nil
}

func (s *Service) move(path, sub string) {
	dest := filepath.Join(s.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to move inbox file")
	}
}
