package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/control"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/journal"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
	"github.com/vaultfetch/vaultfetch/internal/progress"
	"github.com/vaultfetch/vaultfetch/internal/retry"
)

// startAsset registers an asset item and schedules validation of its files.
// A restored item starts paused when it was paused before the restart.
func (s *Service) startAsset(a manifest.Asset, paused bool) {
	if it, ok := s.st.items[a.ID]; ok {
		if it.Status == ItemPaused && !paused {
			_ = s.resumeItem(a.ID)
			return
		}
		s.logger.Debug().Str("item", a.ID).Msg("Asset already downloading")
		return
	}

	asset := a
	it := &DownloadItem{
		ID:        a.ID,
		Label:     a.Label,
		Kind:      KindAsset,
		Target:    a.Target,
		Status:    ItemDownloading,
		CreatedAt: time.Now(),
		Progress:  make(map[string]float64),
		Files:     make(map[string]*FileDownload),
		asset:     &asset,
	}
	if paused {
		it.Status = ItemPaused
	}

	var need int64
	for i := range asset.Manifests {
		rel := &asset.Manifests[i]
		for _, f := range rel.Files {
			id := manifest.FileID(a.ID, rel.Release, f.Filename)
			it.Files[id] = &FileDownload{
				ID:       id,
				Asset:    a.ID,
				Release:  rel.Release,
				Filename: f.Filename,
				File:     f,
				Status:   FileStatusValidating,
				release:  rel,
			}
			for _, guid := range f.GUIDs() {
				it.Progress[guid] = 0
			}
			need += f.Size()
		}
	}

	s.addItem(it)
	s.saveJournal(it)
	if paused {
		s.setJournalStatus(it.ID, journal.StatusPaused)
	}
	s.logger.Info().
		Str("item", it.ID).
		Int("files", len(it.Files)).
		Str("size", humanize.IBytes(uint64(need))).
		Msg("Asset download started")

	if len(it.Files) == 0 {
		s.removeItem(it.ID, journal.StatusCompleted)
		return
	}
	s.submit(s.files, s.validateJob(it.ID, s.targetDir(it.Target), uint64(need), s.fileChecks(it)))
}

func (s *Service) fileChecks(it *DownloadItem) []fileCheck {
	checks := make([]fileCheck, 0, len(it.Files))
	for _, f := range it.Files {
		checks = append(checks, fileCheck{
			asset:   it.ID,
			release: f.Release,
			fileID:  f.ID,
			file:    f.File,
			path:    s.finalPath(it.Target, f.Release, f.Filename),
		})
	}
	return checks
}

// performAssetDownload registers the chunk references of a file and starts
// whatever is not already present or in flight.
func (s *Service) performAssetDownload(m PerformAssetDownload) {
	id := manifest.FileID(m.Asset, m.Release, m.File.Filename)
	it, ok := s.st.items[m.Asset]
	if !ok {
		return
	}
	f, ok := it.Files[id]
	if !ok || f.Status != FileStatusValidating {
		return
	}
	f.Status = FileStatusDownloading
	s.st.files[id] = f

	urls := make([]string, 0, len(f.File.Parts))
	for _, guid := range f.File.GUIDs() {
		mc, _ := f.release.Chunk(guid)
		urls = append(urls, mc.URL)
		s.st.downloadedChunks[guid] = appendUnique(s.st.downloadedChunks[guid], id)
		s.st.assetGUIDs[m.Asset] = appendUnique(s.st.assetGUIDs[m.Asset], guid)

		c, exists := s.st.chunks[guid]
		if !exists {
			c = &Chunk{
				GUID: guid,
				URL:  mc.URL,
				Path: s.chunkPath(f.Release, guid),
				Size: mc.Size,
			}
			s.st.chunks[guid] = c
			if it.Status == ItemPaused {
				c.Status = ChunkStatusPaused
				c.Downloaded = fileSize(c.Path)
				s.st.pausedAssetChunks[it.ID] = append(s.st.pausedAssetChunks[it.ID], PauseChunk{URL: c.URL, Path: c.Path, GUID: guid})
			} else {
				s.performChunkDownload(guid)
			}
		} else if c.cancelling {
			c.restart = true
		} else if (c.Status == ChunkStatusPaused || c.Status == ChunkStatusFailed) && it.Status != ItemPaused {
			s.redownloadChunk(guid)
		}
		it.Progress[guid] = chunkFraction(c)
	}
	s.st.chunkURLs[id] = urls
	s.tick(true)
	s.checkFileReady(f)
}

// performChunkDownload hands a chunk to the download pool.
func (s *Service) performChunkDownload(guid string) {
	c, ok := s.st.chunks[guid]
	if !ok || len(s.st.downloadedChunks[guid]) == 0 {
		return
	}
	if c.Status == ChunkStatusDone {
		return
	}
	c.Status = ChunkStatusPending
	rx := s.controls.Register(guid)
	s.submit(s.downloads, s.chunkJob(c.URL, c.Path, guid, c.Size, rx))
}

// redownloadChunk resumes a paused or failed chunk from its partial file,
// provided an unpaused item still needs it.
func (s *Service) redownloadChunk(guid string) {
	c, ok := s.st.chunks[guid]
	if !ok || c.cancelling {
		return
	}
	if c.Status != ChunkStatusPaused && c.Status != ChunkStatusFailed {
		return
	}
	if !s.st.wantedByRunning(guid) {
		return
	}
	c.stopTimer()
	s.performChunkDownload(guid)
}

func (s *Service) pauseChunk(guid string) {
	c, ok := s.st.chunks[guid]
	if !ok || !c.active() {
		return
	}
	s.controls.Send(guid, control.Pause)
}

// cancelChunk stops a chunk and removes its temp file. While a worker is
// active the file is left to the worker and the entry is dropped once it
// acknowledges.
func (s *Service) cancelChunk(guid string) {
	c, ok := s.st.chunks[guid]
	if !ok || c.cancelling {
		return
	}
	c.restart = false
	if c.active() {
		c.cancelling = true
		c.Status = ChunkStatusCancelled
		s.controls.Send(guid, control.Cancel)
		return
	}
	s.controls.Release(guid)
	s.deleteChunk(c)
}

// deleteChunk removes a chunk's temp file and its parent directories when
// they became empty. Missing files are expected after a cancel.
func (s *Service) deleteChunk(c *Chunk) {
	c.stopTimer()
	delete(s.st.chunks, c.GUID)
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", c.Path).Msg("Failed to remove chunk")
	} else if err != nil {
		s.logger.Debug().Str("path", c.Path).Msg("Chunk already removed")
	}
	removeEmptyParents(s.logger, c.Path, 2)
}

// settleCancelled finishes a cancel once the worker stopped. A new reference
// that arrived meanwhile restarts the chunk from zero.
func (s *Service) settleCancelled(c *Chunk) {
	c.cancelling = false
	if c.restart && len(s.st.downloadedChunks[c.GUID]) > 0 {
		c.restart = false
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", c.Path).Msg("Failed to remove chunk")
		}
		c.Downloaded = 0
		c.failures = 0
		s.performChunkDownload(c.GUID)
		return
	}
	s.deleteChunk(c)
}

func (s *Service) chunkProgress(m ChunkDownloadProgress) {
	c, ok := s.st.chunks[m.GUID]
	if !ok {
		return
	}
	if c.cancelling {
		if m.Finished {
			s.settleCancelled(c)
		}
		return
	}
	if c.Status == ChunkStatusPending {
		c.Status = ChunkStatusDownloading
	}
	if m.Total > c.Downloaded {
		c.Downloaded = m.Total
	}
	if m.Finished {
		c.Status = ChunkStatusDone
		c.Downloaded = m.Total
		if c.Size == 0 {
			c.Size = m.Total
		}
		c.failures = 0
		s.controls.Release(c.GUID)
	}
	s.updateChunkProgress(c)

	if m.Finished {
		s.logger.Debug().Str("guid", c.GUID).Str("size", humanize.IBytes(uint64(c.Downloaded))).Msg("Chunk downloaded")
		for _, f := range s.st.fileRefs(c.GUID) {
			s.checkFileReady(f)
		}
		s.tick(true)
		return
	}
	s.tick(false)
}

func (s *Service) updateChunkProgress(c *Chunk) {
	frac := chunkFraction(c)
	for _, f := range s.st.fileRefs(c.GUID) {
		if it, ok := s.st.items[f.Asset]; ok {
			it.Progress[c.GUID] = frac
		}
	}
}

func chunkFraction(c *Chunk) float64 {
	return progress.Fraction(c.Downloaded, c.Size, c.Status == ChunkStatusDone)
}

func (s *Service) chunkPaused(m ChunkPaused) {
	c, ok := s.st.chunks[m.GUID]
	if !ok {
		return
	}
	if c.cancelling {
		s.settleCancelled(c)
		return
	}
	c.Status = ChunkStatusPaused
	if m.Total > c.Downloaded {
		c.Downloaded = m.Total
	}
	s.updateChunkProgress(c)
	// The owning item may have been resumed before the worker stopped.
	s.redownloadChunk(c.GUID)
	s.tick(true)
}

func (s *Service) chunkCancelled(m ChunkCancelled) {
	c, ok := s.st.chunks[m.GUID]
	if !ok {
		return
	}
	s.settleCancelled(c)
}

func (s *Service) chunkFailed(m ChunkDownloadFailed) {
	c, ok := s.st.chunks[m.GUID]
	if !ok {
		return
	}
	if c.cancelling {
		s.settleCancelled(c)
		return
	}
	s.controls.Release(c.GUID)
	c.Status = ChunkStatusFailed
	c.failures++
	item := ""
	if refs := s.st.fileRefs(c.GUID); len(refs) > 0 {
		item = refs[0].Asset
	}
	s.ioError(item, m.Err.Error())

	if s.chunkRetry.Allows(c.failures) {
		delay := s.chunkRetry.Delay(c.failures)
		s.logger.Info().Str("guid", c.GUID).Int("attempt", c.failures).Bool("network", retry.IsNetworkError(m.Err)).Dur("delay", delay).Msg("Retrying chunk")
		c.timer = s.retryAfter(delay, RedownloadChunk{URL: c.URL, Path: c.Path, GUID: c.GUID})
	}
	s.tick(true)
}

// checkFileReady starts assembly once every chunk of a file is done.
func (s *Service) checkFileReady(f *FileDownload) {
	if f.Status != FileStatusDownloading {
		return
	}
	for _, guid := range f.File.GUIDs() {
		c, ok := s.st.chunks[guid]
		if !ok || c.Status != ChunkStatusDone {
			return
		}
	}
	s.startAssembly(f)
}

func (s *Service) startAssembly(f *FileDownload) {
	it, ok := s.st.items[f.Asset]
	if !ok {
		return
	}
	paths := make(map[string]string, len(f.File.Parts))
	for _, guid := range f.File.GUIDs() {
		paths[guid] = s.st.chunks[guid].Path
	}
	f.Status = FileStatusAssembling
	job := assembly{
		fileID: f.ID,
		dest:   s.finalPath(it.Target, f.Release, f.Filename),
		sha1:   f.File.SHA1,
		parts:  f.File.Parts,
		paths:  paths,
	}
	s.submit(s.files, s.assembleJob(job))
}

func (s *Service) assemblyFailed(m FileAssemblyFailed) {
	f, ok := s.st.files[m.FileID]
	if !ok {
		return
	}
	f.Status = FileStatusDownloaded
	s.ioError(f.Asset, m.Err.Error())
	s.tick(true)
}

// finalizeFile drops the file's chunk references and removes chunks nobody
// needs any more.
func (s *Service) finalizeFile(fileID string) {
	f, ok := s.st.files[fileID]
	if !ok {
		return
	}
	delete(s.st.files, fileID)
	delete(s.st.chunkURLs, fileID)
	s.releaseRefs(f)
	s.Post(FileExtracted{Asset: f.Asset, FileID: fileID})
}

func (s *Service) releaseRefs(f *FileDownload) {
	for _, guid := range f.File.GUIDs() {
		refs := removeValue(s.st.downloadedChunks[guid], f.ID)
		if len(refs) > 0 {
			s.st.downloadedChunks[guid] = refs
			continue
		}
		delete(s.st.downloadedChunks, guid)
		s.cancelChunk(guid)
	}
}

func (s *Service) fileAlreadyDownloaded(m FileAlreadyDownloaded) {
	it, ok := s.st.items[m.Asset]
	if !ok {
		return
	}
	f, ok := it.Files[m.FileID]
	if !ok || f.Status != FileStatusValidating {
		return
	}
	s.logger.Info().Str("item", m.Asset).Str("file", m.Filename).Str("path", m.Path).Msg("File already downloaded")
	f.Status = FileStatusDownloading
	s.Post(FileExtracted{Asset: m.Asset, FileID: m.FileID})
}

// fileExtracted completes one file; the item finishes with its last file.
func (s *Service) fileExtracted(m FileExtracted) {
	it, ok := s.st.items[m.Asset]
	if !ok {
		return
	}
	f, ok := it.Files[m.FileID]
	if !ok || f.Status == FileStatusExtracted {
		return
	}
	f.Status = FileStatusExtracted
	for _, guid := range f.File.GUIDs() {
		if !s.guidPending(it, guid) {
			it.Progress[guid] = 1
		}
	}
	if !it.filesDone() {
		s.tick(true)
		return
	}
	s.finishAsset(it)
}

// guidPending reports whether an unfinished file of the item still needs guid.
func (s *Service) guidPending(it *DownloadItem, guid string) bool {
	for _, f := range it.Files {
		if f.Status == FileStatusExtracted {
			continue
		}
		for _, g := range f.File.GUIDs() {
			if g == guid {
				return true
			}
		}
	}
	return false
}

func (s *Service) finishAsset(it *DownloadItem) {
	delete(s.st.assetGUIDs, it.ID)
	delete(s.st.pausedAssetChunks, it.ID)
	s.removeItem(it.ID, journal.StatusCompleted)
	s.events.Notify("downloadfinished", events.SeverityInfo, it.Label+" downloaded")
}

// pauseAsset pauses the chunks of an item that no other running item needs.
// Pending retries are dropped; resume restarts failed chunks.
func (s *Service) pauseAsset(it *DownloadItem) {
	for _, guid := range s.st.assetGUIDs[it.ID] {
		c, ok := s.st.chunks[guid]
		if !ok || c.cancelling {
			continue
		}
		if s.st.neededByOthers(guid, it.ID) {
			continue
		}
		c.stopTimer()
		if !c.active() {
			continue
		}
		msg := PauseChunk{URL: c.URL, Path: c.Path, GUID: guid}
		s.st.pausedAssetChunks[it.ID] = append(s.st.pausedAssetChunks[it.ID], msg)
		s.pauseChunk(guid)
	}
}

func (s *Service) resumeAsset(it *DownloadItem) {
	paused := s.st.pausedAssetChunks[it.ID]
	delete(s.st.pausedAssetChunks, it.ID)
	for _, p := range paused {
		s.redownloadChunk(p.GUID)
	}
	// Chunks paused by another item or failed are resumed too.
	for _, guid := range s.st.assetGUIDs[it.ID] {
		c, ok := s.st.chunks[guid]
		if !ok {
			continue
		}
		if c.Status == ChunkStatusFailed {
			c.failures = 0
		}
		s.redownloadChunk(guid)
	}
	for _, f := range it.Files {
		if f.Status == FileStatusDownloaded {
			f.Status = FileStatusDownloading
			s.checkFileReady(f)
		}
	}
}

// cancelAsset drops the item's chunk references. Chunks still referenced
// by another item stay untouched.
func (s *Service) cancelAsset(it *DownloadItem) {
	for id, f := range it.Files {
		if _, tracked := s.st.files[id]; !tracked {
			continue
		}
		delete(s.st.files, id)
		delete(s.st.chunkURLs, id)
		s.releaseRefs(f)
	}
	delete(s.st.assetGUIDs, it.ID)
	delete(s.st.pausedAssetChunks, it.ID)
}

// ErrTransferAborted is reported when a transfer stopped early while the
// service was still running.
var ErrTransferAborted = errors.New("transfer aborted")

// chunkJob fetches one chunk on the download pool and reports the outcome.
func (s *Service) chunkJob(url, path, guid string, size int64, rx control.Receiver) func(ctx context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		res, err := s.fetcher.Fetch(ctx, fetch.Request{
			URL:     url,
			Path:    path,
			Size:    size,
			Control: rx,
			OnProgress: func(total int64) {
				s.Post(ChunkDownloadProgress{GUID: guid, Total: total})
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Post(ChunkDownloadFailed{GUID: guid, Err: err})
			return
		}
		switch res.Outcome {
		case fetch.Completed:
			s.Post(ChunkDownloadProgress{GUID: guid, Total: res.Total, Finished: true})
		case fetch.Paused:
			s.Post(ChunkPaused{GUID: guid, Total: res.Total})
		case fetch.Cancelled:
			s.Post(ChunkCancelled{GUID: guid})
		case fetch.Aborted:
			if ctx.Err() == nil {
				s.Post(ChunkDownloadFailed{GUID: guid, Err: ErrTransferAborted})
			}
		}
	}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// removeEmptyParents removes up to depth empty ancestor directories of path.
func removeEmptyParents(logger zerolog.Logger, path string, depth int) {
	dir := filepath.Dir(path)
	for i := 0; i < depth; i++ {
		if err := os.Remove(dir); err != nil {
			logger.Debug().Err(err).Str("dir", dir).Msg("Directory not removed")
			return
		}
		dir = filepath.Dir(dir)
	}
}
