// Package downloader is the download orchestrator. One goroutine owns all
// download state and applies messages posted by the public API, the worker
// pools and retry timers, in order.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/control"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/journal"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
	"github.com/vaultfetch/vaultfetch/internal/pool"
	"github.com/vaultfetch/vaultfetch/internal/progress"
	"github.com/vaultfetch/vaultfetch/internal/retry"
)

var (
	ErrItemNotFound = errors.New("download item not found")
	ErrNotRunning   = errors.New("download service is not running")
)

const (
	tickInterval   = 250 * time.Millisecond
	journalTimeout = 5 * time.Second
)

// Journal persists started items so they survive a restart.
type Journal interface {
	Save(ctx context.Context, e journal.Entry) error
	SetStatus(ctx context.Context, id string, status journal.Status) error
}

// Options configures the Service.
type Options struct {
	Storage   config.StorageConfig
	Downloads config.DownloadsConfig
	// HTTPClient overrides the fetcher's client. Used by tests.
	HTTPClient *http.Client
}

// Service is the download orchestrator.
type Service struct {
	opts       Options
	logger     zerolog.Logger
	events     events.Publisher
	journal    Journal
	fetcher    *fetch.Fetcher
	controls   *control.Registry
	chunkRetry retry.Policy
	blobRetry  retry.Policy
	inbox      *mailbox

	downloads  *pool.Pool
	thumbnails *pool.Pool
	images     *pool.Pool
	files      *pool.Pool

	mu      sync.Mutex
	ctx     context.Context
	running bool
	done    chan struct{}

	// Owned by the loop goroutine.
	st       *state
	lastTick time.Time
}

// NewService creates the orchestrator. journal may be nil.
func NewService(opts Options, pub events.Publisher, j Journal, logger zerolog.Logger) *Service {
	if j == nil {
		j = noopJournal{}
	}
	log := logger.With().Str("component", "downloader").Logger()
	return &Service{
		opts:    opts,
		logger:  log,
		events:  pub,
		journal: j,
		fetcher: fetch.New(fetch.Options{
			Increment:      opts.Downloads.IncrementBytes,
			MaxBytesPerSec: opts.Downloads.MaxBytesPerSec,
			HTTPClient:     opts.HTTPClient,
		}, logger),
		controls:   control.NewRegistry(),
		chunkRetry: retry.FromConfig(opts.Downloads.ChunkRetry),
		blobRetry:  retry.FromConfig(opts.Downloads.BlobRetry),
		inbox:      newMailbox(),
		st:         newState(),
	}
}

// Start launches the worker pools and the orchestrator loop. Everything
// stops when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	s.done = make(chan struct{})
	d := s.opts.Downloads
	s.downloads = pool.New(ctx, "downloads", d.DownloadWorkers, s.logger)
	s.thumbnails = pool.New(ctx, "thumbnails", d.ThumbnailWorkers, s.logger)
	s.images = pool.New(ctx, "images", d.ImageWorkers, s.logger)
	s.files = pool.New(ctx, "files", d.FileWorkers, s.logger)
	s.mu.Unlock()

	go s.run(ctx)
	s.logger.Info().
		Int("downloadWorkers", s.downloads.Width()).
		Int("fileWorkers", s.files.Width()).
		Msg("Download service started")
}

// Wait blocks until the loop exited and the pools drained.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Service) run(ctx context.Context) {
	defer func() {
		for _, p := range []*pool.Pool{s.downloads, s.thumbnails, s.images, s.files} {
			p.Close()
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.done)
		s.logger.Info().Msg("Download service stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.inbox.notify:
			for _, msg := range s.inbox.drain() {
				if ctx.Err() != nil {
					return
				}
				s.handle(msg)
			}
		}
	}
}

// Post enqueues a message for the orchestrator. It never blocks.
func (s *Service) Post(msg Message) {
	s.inbox.post(msg)
}

func (s *Service) handle(msg Message) {
	s.logger.Trace().Str("message", msg.messageName()).Msg("Handling message")

	switch m := msg.(type) {
	case StartAssetDownload:
		s.startAsset(m.Asset, false)
	case PerformAssetDownload:
		s.performAssetDownload(m)
	case PerformChunkDownload:
		s.performChunkDownload(m.GUID)
	case RedownloadChunk:
		s.redownloadChunk(m.GUID)
	case PauseChunk:
		s.pauseChunk(m.GUID)
	case CancelChunk:
		s.cancelChunk(m.GUID)
	case ChunkDownloadProgress:
		s.chunkProgress(m)
	case ChunkDownloadFailed:
		s.chunkFailed(m)
	case ChunkPaused:
		s.chunkPaused(m)
	case ChunkCancelled:
		s.chunkCancelled(m)
	case FinalizeFileDownload:
		s.finalizeFile(m.FileID)
	case FileAssemblyFailed:
		s.assemblyFailed(m)
	case FileAlreadyDownloaded:
		s.fileAlreadyDownloaded(m)
	case FileExtracted:
		s.fileExtracted(m)
	case PerformDockerEngineDownload:
		s.startEngine(m.Engine, false)
	case DockerDownloadProgress:
		s.dockerProgress(m)
	case DockerBlobFinished:
		s.dockerBlobFinished(m)
	case DockerBlobFailed:
		s.dockerBlobFailed(m)
	case DockerExtractionFinished:
		s.dockerExtractionFinished(m)
	case DockerExtractionFailed:
		s.dockerExtractionFailed(m)
	case DockerCanceled:
		s.dockerCanceled(m)
	case DockerPaused:
		s.dockerPaused(m)
	case retryDigest:
		s.retryDigest(m)
	case IOError:
		s.ioError(m.Item, m.Message)
	case PauseItem:
		reply(m.reply, s.pauseItem(m.ID))
	case ResumeItem:
		reply(m.reply, s.resumeItem(m.ID))
	case CancelItem:
		reply(m.reply, s.cancelItem(m.ID))
	case snapshotQuery:
		m.reply <- s.snapshot()
	case pathsQuery:
		m.reply <- s.livePaths()
	case restoreItem:
		s.restore(m.entry)
	default:
		s.logger.Warn().Str("message", msg.messageName()).Msg("Unhandled message")
	}
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

// StartAsset validates and enqueues an asset download.
func (s *Service) StartAsset(a manifest.Asset) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.Post(StartAssetDownload{Asset: a})
	return nil
}

// StartEngine validates and enqueues an engine download.
func (s *Service) StartEngine(e manifest.Engine) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.Post(PerformDockerEngineDownload{Engine: e})
	return nil
}

// Pause pauses an item.
func (s *Service) Pause(ctx context.Context, id string) error {
	ch := make(chan error, 1)
	s.Post(PauseItem{ID: id, reply: ch})
	return s.await(ctx, ch)
}

// Resume resumes an item.
func (s *Service) Resume(ctx context.Context, id string) error {
	ch := make(chan error, 1)
	s.Post(ResumeItem{ID: id, reply: ch})
	return s.await(ctx, ch)
}

// Cancel cancels an item and removes its temporary data.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ch := make(chan error, 1)
	s.Post(CancelItem{ID: id, reply: ch})
	return s.await(ctx, ch)
}

func (s *Service) await(ctx context.Context, ch chan error) error {
	done, err := s.loopDone()
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrNotRunning
	}
}

func (s *Service) loopDone() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil, ErrNotRunning
	}
	return s.done, nil
}

// Restore re-registers an unfinished journal entry.
func (s *Service) Restore(e journal.Entry) {
	s.Post(restoreItem{entry: e})
}

// ItemSnapshot is a read-only view of one item.
type ItemSnapshot struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Kind      ItemKind   `json:"kind"`
	Status    ItemStatus `json:"status"`
	Progress  float64    `json:"progress"`
	Units     int        `json:"units"`
	Completed int        `json:"completed"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Snapshot is a read-only view of the orchestrator.
type Snapshot struct {
	Items    []ItemSnapshot `json:"items"`
	Progress float64        `json:"progress"`
	HasItems bool           `json:"hasItems"`
	// Chunks and Digests expose unit status for diagnostics and tests.
	Chunks  map[string]ChunkSnapshot `json:"chunks,omitempty"`
	Digests map[string]string        `json:"digests,omitempty"`
}

// ChunkSnapshot is the observable state of one chunk.
type ChunkSnapshot struct {
	Status     string   `json:"status"`
	Downloaded int64    `json:"downloaded"`
	Size       int64    `json:"size"`
	Refs       []string `json:"refs"`
}

// Item returns the snapshot of one item.
func (s Snapshot) Item(id string) (ItemSnapshot, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return ItemSnapshot{}, false
}

// Public returns the snapshot without per-unit detail.
func (s Snapshot) Public() Snapshot {
	return Snapshot{Items: s.Items, Progress: s.Progress, HasItems: s.HasItems}
}

// Snapshot returns the current state.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	done, err := s.loopDone()
	if err != nil {
		return Snapshot{}, err
	}
	ch := make(chan Snapshot, 1)
	s.Post(snapshotQuery{reply: ch})
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-done:
		return Snapshot{}, ErrNotRunning
	}
}

// Progress returns the global completion fraction.
func (s *Service) Progress(ctx context.Context) (float64, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Progress, nil
}

// LivePaths returns the temp and blob paths owned by live state.
func (s *Service) LivePaths(ctx context.Context) (map[string]bool, error) {
	done, err := s.loopDone()
	if err != nil {
		return nil, err
	}
	ch := make(chan map[string]bool, 1)
	s.Post(pathsQuery{reply: ch})
	select {
	case paths := <-ch:
		return paths, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrNotRunning
	}
}

// TempRoots returns the directories chunk temp files may live under.
func (s *Service) TempRoots() []string {
	roots := []string{s.opts.Storage.TempDir}
	if v := s.opts.Storage.DefaultVault(); v != "" {
		roots = append([]string{v}, roots...)
	}
	return roots
}

func (s *Service) snapshot() Snapshot {
	snap := Snapshot{
		Items:    make([]ItemSnapshot, 0, len(s.st.items)),
		HasItems: len(s.st.items) > 0,
		Chunks:   make(map[string]ChunkSnapshot, len(s.st.chunks)),
		Digests:  make(map[string]string),
	}
	fractions := make([]float64, 0, len(s.st.items))
	for _, it := range s.st.items {
		p := progress.Item(it.Progress)
		fractions = append(fractions, p)
		done := 0
		for _, f := range it.Progress {
			if f >= 1 {
				done++
			}
		}
		snap.Items = append(snap.Items, ItemSnapshot{
			ID:        it.ID,
			Label:     it.Label,
			Kind:      it.Kind,
			Status:    it.Status,
			Progress:  p,
			Units:     len(it.Progress),
			Completed: done,
			CreatedAt: it.CreatedAt,
		})
	}
	sort.Slice(snap.Items, func(i, j int) bool {
		if snap.Items[i].CreatedAt.Equal(snap.Items[j].CreatedAt) {
			return snap.Items[i].ID < snap.Items[j].ID
		}
		return snap.Items[i].CreatedAt.Before(snap.Items[j].CreatedAt)
	})
	snap.Progress = progress.Global(fractions)

	for guid, c := range s.st.chunks {
		snap.Chunks[guid] = ChunkSnapshot{
			Status:     c.Status.String(),
			Downloaded: c.Downloaded,
			Size:       c.Size,
			Refs:       append([]string(nil), s.st.downloadedChunks[guid]...),
		}
	}
	for version, e := range s.st.engines {
		for _, d := range e.Digests {
			snap.Digests[version+"/"+d.Digest] = d.Status.String()
		}
	}
	return snap
}

func (s *Service) livePaths() map[string]bool {
	paths := make(map[string]bool, len(s.st.chunks))
	for _, c := range s.st.chunks {
		paths[c.Path] = true
	}
	for _, e := range s.st.engines {
		for _, d := range e.Digests {
			paths[d.Path] = true
		}
	}
	return paths
}

// tick publishes a throttled state-changed event. Structural changes force it.
func (s *Service) tick(force bool) {
	now := time.Now()
	if !force && now.Sub(s.lastTick) < tickInterval {
		return
	}
	s.lastTick = now
	s.events.Publish(events.TypeTick, nil)
}

func (s *Service) updateHasItems() {
	has := len(s.st.items) > 0
	if has == s.st.hasItems {
		return
	}
	s.st.hasItems = has
	s.events.Publish(events.TypeItemsChanged, events.ItemsChangedPayload{HasItems: has})
}

func (s *Service) addItem(it *DownloadItem) {
	s.st.items[it.ID] = it
	s.events.Publish(events.TypeItemAdded, events.ItemPayload{ID: it.ID, Label: it.Label, Kind: string(it.Kind)})
	s.updateHasItems()
	s.tick(true)
}

func (s *Service) removeItem(id string, status journal.Status) {
	it, ok := s.st.items[id]
	if !ok {
		return
	}
	delete(s.st.items, id)
	s.setJournalStatus(id, status)
	s.events.Publish(events.TypeItemRemoved, events.ItemPayload{ID: id, Label: it.Label, Kind: string(it.Kind), Reason: string(status)})
	s.updateHasItems()
	s.tick(true)
	s.logger.Info().Str("item", id).Str("reason", string(status)).Msg("Download item removed")
}

func (s *Service) ioError(item, message string) {
	s.logger.Error().Str("item", item).Msg(message)
	s.events.Notify("iodownloaderror", events.SeverityError, "Unable to download file: "+message)
}

func (s *Service) submit(p *pool.Pool, job pool.Job) {
	if err := p.Submit(job); err != nil {
		s.logger.Debug().Err(err).Str("pool", p.Name()).Msg("Job dropped")
	}
}

// retryAfter posts msg once d elapsed, unless the service stopped.
func (s *Service) retryAfter(d time.Duration, msg Message) *time.Timer {
	ctx := s.ctx
	return time.AfterFunc(d, func() {
		if ctx.Err() == nil {
			s.Post(msg)
		}
	})
}

func (s *Service) saveJournal(it *DownloadItem) {
	e := journal.Entry{ID: it.ID, Kind: string(it.Kind), Label: it.Label, Status: journal.StatusDownloading}
	var err error
	switch it.Kind {
	case KindAsset:
		e.Payload, err = journal.Encode(it.asset)
	case KindEngine:
		e.Payload, err = journal.Encode(it.engine)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("item", it.ID).Msg("Failed to encode journal entry")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Save(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("item", it.ID).Msg("Failed to save journal entry")
	}
}

func (s *Service) setJournalStatus(id string, status journal.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.SetStatus(ctx, id, status); err != nil {
		s.logger.Warn().Err(err).Str("item", id).Msg("Failed to update journal entry")
	}
}

// restore re-issues a journaled item as a fresh start, paused if it was.
func (s *Service) restore(e journal.Entry) {
	paused := e.Status == journal.StatusPaused
	switch ItemKind(e.Kind) {
	case KindAsset:
		var a manifest.Asset
		if err := journal.Decode(e.Payload, &a); err != nil || a.Validate() != nil {
			s.logger.Warn().Str("item", e.ID).Msg("Discarding unreadable journal entry")
			s.setJournalStatus(e.ID, journal.StatusCancelled)
			return
		}
		s.startAsset(a, paused)
	case KindEngine:
		var en manifest.Engine
		if err := journal.Decode(e.Payload, &en); err != nil || en.Validate() != nil {
			s.logger.Warn().Str("item", e.ID).Msg("Discarding unreadable journal entry")
			s.setJournalStatus(e.ID, journal.StatusCancelled)
			return
		}
		s.startEngine(en, paused)
	default:
		s.logger.Warn().Str("item", e.ID).Str("kind", e.Kind).Msg("Unknown journal entry kind")
	}
}

func (s *Service) pauseItem(id string) error {
	it, ok := s.st.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if it.Status == ItemPaused {
		return nil
	}
	switch it.Kind {
	case KindAsset:
		s.pauseAsset(it)
	case KindEngine:
		if it.Status == ItemExtracting {
			return nil
		}
		s.pauseEngine(it)
	}
	it.Status = ItemPaused
	s.setJournalStatus(id, journal.StatusPaused)
	s.tick(true)
	s.logger.Info().Str("item", id).Msg("Download paused")
	return nil
}

func (s *Service) resumeItem(id string) error {
	it, ok := s.st.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	switch it.Kind {
	case KindAsset:
		it.Status = ItemDownloading
		s.resumeAsset(it)
	case KindEngine:
		s.resumeEngine(it)
	}
	s.setJournalStatus(id, journal.StatusDownloading)
	s.tick(true)
	s.logger.Info().Str("item", id).Msg("Download resumed")
	return nil
}

func (s *Service) cancelItem(id string) error {
	it, ok := s.st.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	switch it.Kind {
	case KindAsset:
		s.cancelAsset(it)
	case KindEngine:
		s.cancelEngine(it)
	}
	s.removeItem(id, journal.StatusCancelled)
	return nil
}

// targetDir resolves the final placement directory of an item.
func (s *Service) targetDir(override string) string {
	if override != "" {
		return override
	}
	if v := s.opts.Storage.DefaultVault(); v != "" {
		return v
	}
	return s.opts.Storage.TempDir
}

// tempRoot is where chunk temp files live.
func (s *Service) tempRoot() string {
	if v := s.opts.Storage.DefaultVault(); v != "" {
		return v
	}
	return s.opts.Storage.TempDir
}

func (s *Service) chunkPath(release, guid string) string {
	return filepath.Join(s.tempRoot(), release, "temp", guid+".chunk")
}

func (s *Service) finalPath(target, release, filename string) string {
	return filepath.Join(s.targetDir(target), release, "data", filepath.FromSlash(filename))
}

type noopJournal struct{}

func (noopJournal) Save(context.Context, journal.Entry) error                { return nil }
func (noopJournal) SetStatus(context.Context, string, journal.Status) error { return nil }
