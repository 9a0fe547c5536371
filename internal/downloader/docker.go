package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaultfetch/vaultfetch/internal/control"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/journal"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
	"github.com/vaultfetch/vaultfetch/internal/progress"
	"github.com/vaultfetch/vaultfetch/internal/retry"
)

func digestKey(version, digest string) string {
	return version + "/" + digest
}

func (s *Service) blobPath(version, digest string) string {
	return filepath.Join(s.opts.Storage.CacheDir, "docker", version, "blobs", strings.Replace(digest, ":", "-", 1))
}

func (s *Service) engineTarget(e *manifest.Engine) string {
	return filepath.Join(s.targetDir(e.Target), e.Version)
}

// startEngine registers an engine item and starts fetching its blobs.
func (s *Service) startEngine(e manifest.Engine, paused bool) {
	itemID := EngineItemID(e.Version)
	if it, ok := s.st.items[itemID]; ok {
		if it.Status == ItemPaused && !paused {
			_ = s.resumeItem(itemID)
			return
		}
		s.logger.Debug().Str("version", e.Version).Msg("Engine already downloading")
		return
	}
	if ed, ok := s.st.engines[e.Version]; ok && ed.cancelled {
		// Wait for the previous workers to stop before touching the same blobs.
		pending := e
		ed.pending = &pending
		return
	}

	engine := e
	label := e.Label
	if label == "" {
		label = "Engine " + e.Version
	}
	it := &DownloadItem{
		ID:        itemID,
		Label:     label,
		Kind:      KindEngine,
		Target:    e.Target,
		Status:    ItemDownloading,
		CreatedAt: time.Now(),
		Progress:  make(map[string]float64, len(e.Digests)),
		engine:    &engine,
	}
	ed := &engineDownload{
		Engine: engine,
		byName: make(map[string]*DockerDigest, len(e.Digests)),
		itemID: itemID,
	}
	for _, d := range e.Digests {
		dd := &DockerDigest{
			Digest: d.Digest,
			Size:   d.Size,
			Status: DigestInit,
			Path:   s.blobPath(e.Version, d.Digest),
		}
		ed.Digests = append(ed.Digests, dd)
		ed.byName[d.Digest] = dd
		it.Progress[d.Digest] = 0
	}
	s.st.engines[e.Version] = ed

	s.addItem(it)
	s.saveJournal(it)
	s.logger.Info().
		Str("version", e.Version).
		Int("blobs", len(ed.Digests)).
		Str("size", humanize.IBytes(uint64(e.TotalSize))).
		Msg("Engine download started")

	if paused {
		it.Status = ItemPaused
		s.setJournalStatus(itemID, journal.StatusPaused)
		for _, dd := range ed.Digests {
			dd.Downloaded = fileSize(dd.Path)
			it.Progress[dd.Digest] = progress.Fraction(dd.Downloaded, dd.Size, false)
			s.st.pausedDockerDigests[e.Version] = append(s.st.pausedDockerDigests[e.Version], manifest.Digest{Digest: dd.Digest, Size: dd.Size})
		}
		return
	}
	for _, dd := range ed.Digests {
		s.downloadDigest(ed, dd)
	}
}

// transition moves a digest to a new status, refusing invalid moves.
func (s *Service) transition(version string, d *DockerDigest, to DigestStatus) bool {
	if !CanTransition(d.Status, to) {
		s.logger.Warn().
			Str("version", version).
			Str("digest", d.Digest).
			Stringer("from", d.Status).
			Stringer("to", to).
			Msg("Invalid digest transition")
		return false
	}
	d.Status = to
	return true
}

// downloadDigest hands a blob to the download pool. Paused blobs resume from
// their partial file.
func (s *Service) downloadDigest(ed *engineDownload, d *DockerDigest) {
	if d.Status == DigestCancelled {
		s.transition(ed.Engine.Version, d, DigestInit)
	}
	if !s.transition(ed.Engine.Version, d, DigestDownloading) {
		return
	}
	key := digestKey(ed.Engine.Version, d.Digest)
	rx := s.controls.Register(key)
	s.submit(s.downloads, s.blobJob(ed.Engine, manifest.Digest{Digest: d.Digest, Size: d.Size}, d.Path, rx))
}

func (s *Service) dockerProgress(m DockerDownloadProgress) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest)
	if !ok || ed.cancelled || d.Status != DigestDownloading {
		return
	}
	if m.Total > d.Downloaded {
		d.Downloaded = m.Total
	}
	if it, ok := s.st.items[ed.itemID]; ok {
		it.Progress[d.Digest] = progress.Fraction(d.Downloaded, d.Size, false)
	}
	s.tick(false)
}

func (s *Service) dockerBlobFinished(m DockerBlobFinished) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest)
	if !ok {
		return
	}
	s.controls.Release(digestKey(m.Version, m.Digest))
	if ed.cancelled {
		s.digestStopped(ed, d)
		return
	}
	if !s.transition(m.Version, d, DigestDownloaded) {
		return
	}
	d.failures = 0
	if d.Size > 0 {
		d.Downloaded = d.Size
	}
	if it, ok := s.st.items[ed.itemID]; ok {
		it.Progress[d.Digest] = 1
	}
	s.tick(true)
	s.maybeExtract(ed)
}

// maybeExtract starts extraction once every blob is downloaded.
func (s *Service) maybeExtract(ed *engineDownload) {
	if !ed.all(DigestDownloaded) {
		return
	}
	for _, d := range ed.Digests {
		s.transition(ed.Engine.Version, d, DigestExtracting)
	}
	if it, ok := s.st.items[ed.itemID]; ok {
		it.Status = ItemExtracting
	}
	s.runExtraction(ed)
}

func (s *Service) runExtraction(ed *engineDownload) {
	blobs := make([]string, 0, len(ed.Digests))
	for _, d := range ed.Digests {
		blobs = append(blobs, d.Path)
	}
	ed.extractFailed = false
	ed.extractRunning = true
	s.submit(s.files, s.extractJob(ed.Engine.Version, blobs, s.engineTarget(&ed.Engine)))
	s.tick(true)
}

func (s *Service) dockerBlobFailed(m DockerBlobFailed) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest.Digest)
	if !ok {
		return
	}
	s.controls.Release(digestKey(m.Version, d.Digest))
	if ed.cancelled {
		s.digestStopped(ed, d)
		return
	}
	if !s.transition(m.Version, d, DigestInit) {
		return
	}
	d.failures++
	s.ioError(ed.itemID, m.Err.Error())

	if s.blobRetry.Allows(d.failures) {
		delay := s.blobRetry.Delay(d.failures)
		s.logger.Info().Str("digest", d.Digest).Int("attempt", d.failures).Bool("network", retry.IsNetworkError(m.Err)).Dur("delay", delay).Msg("Retrying blob")
		d.timer = s.retryAfter(delay, retryDigest{Version: m.Version, Digest: d.Digest})
	}
	s.tick(true)
}

func (s *Service) retryDigest(m retryDigest) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest)
	if !ok || ed.cancelled || d.Status != DigestInit {
		return
	}
	d.timer = nil
	if it, ok := s.st.items[ed.itemID]; ok && it.Status == ItemPaused {
		return
	}
	s.downloadDigest(ed, d)
}

func (s *Service) dockerExtractionFinished(m DockerExtractionFinished) {
	ed, ok := s.st.engines[m.Version]
	if !ok {
		return
	}
	ed.extractRunning = false
	if ed.cancelled {
		s.dropEngineIfIdle(ed)
		return
	}
	for _, d := range ed.Digests {
		s.transition(m.Version, d, DigestExtracted)
	}
	delete(s.st.engines, m.Version)
	delete(s.st.pausedDockerDigests, m.Version)
	label := ed.Engine.Version
	if it, ok := s.st.items[ed.itemID]; ok {
		label = it.Label
	}
	s.removeItem(ed.itemID, journal.StatusCompleted)
	s.events.Notify("downloadfinished", events.SeverityInfo, label+" installed")
}

func (s *Service) dockerExtractionFailed(m DockerExtractionFailed) {
	ed, ok := s.st.engines[m.Version]
	if !ok {
		return
	}
	ed.extractRunning = false
	if ed.cancelled {
		s.dropEngineIfIdle(ed)
		return
	}
	ed.extractFailed = true
	s.ioError(ed.itemID, m.Err.Error())
	s.tick(true)
}

func (s *Service) dockerCanceled(m DockerCanceled) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest.Digest)
	if !ok {
		return
	}
	s.controls.Release(digestKey(m.Version, d.Digest))
	if ed.cancelled {
		s.digestStopped(ed, d)
		return
	}
	s.transition(m.Version, d, DigestCancelled)
	s.tick(true)
}

func (s *Service) dockerPaused(m DockerPaused) {
	ed, d, ok := s.lookupDigest(m.Version, m.Digest.Digest)
	if !ok {
		return
	}
	if ed.cancelled {
		s.digestStopped(ed, d)
		return
	}
	if !s.transition(m.Version, d, DigestPaused) {
		return
	}
	if m.Total > d.Downloaded {
		d.Downloaded = m.Total
	}
	if it, ok := s.st.items[ed.itemID]; ok && it.Status != ItemPaused {
		// Resumed before the worker stopped.
		s.downloadDigest(ed, d)
		s.tick(true)
		return
	}
	s.st.pausedDockerDigests[m.Version] = append(s.st.pausedDockerDigests[m.Version], m.Digest)
	s.tick(true)
}

func (s *Service) lookupDigest(version, digest string) (*engineDownload, *DockerDigest, bool) {
	ed, ok := s.st.engines[version]
	if !ok {
		return nil, nil, false
	}
	d, ok := ed.byName[digest]
	if !ok {
		return nil, nil, false
	}
	return ed, d, true
}

func (s *Service) pauseEngine(it *DownloadItem) {
	ed, ok := s.st.engines[it.engine.Version]
	if !ok {
		return
	}
	for _, d := range ed.Digests {
		switch d.Status {
		case DigestDownloading:
			s.controls.Send(digestKey(ed.Engine.Version, d.Digest), control.Pause)
		case DigestInit:
			// A pending retry resumes with the item.
			if d.timer != nil {
				d.timer.Stop()
				d.timer = nil
			}
		}
	}
}

func (s *Service) resumeEngine(it *DownloadItem) {
	ed, ok := s.st.engines[it.engine.Version]
	if !ok {
		return
	}
	delete(s.st.pausedDockerDigests, ed.Engine.Version)
	if ed.all(DigestExtracting) {
		it.Status = ItemExtracting
		if ed.extractFailed && !ed.extractRunning {
			s.runExtraction(ed)
		}
		return
	}
	it.Status = ItemDownloading
	for _, d := range ed.Digests {
		switch d.Status {
		case DigestPaused, DigestCancelled:
			s.downloadDigest(ed, d)
		case DigestInit:
			if d.timer != nil {
				continue
			}
			d.failures = 0
			s.downloadDigest(ed, d)
		}
	}
	s.maybeExtract(ed)
}

// cancelEngine stops every blob worker. Partial blobs are removed; complete
// blobs stay in the cache for a later request.
func (s *Service) cancelEngine(it *DownloadItem) {
	ed, ok := s.st.engines[it.engine.Version]
	if !ok {
		return
	}
	ed.cancelled = true
	delete(s.st.pausedDockerDigests, ed.Engine.Version)
	for _, d := range ed.Digests {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		if d.Status == DigestDownloading {
			s.controls.Send(digestKey(ed.Engine.Version, d.Digest), control.Cancel)
			continue
		}
		if d.Status == DigestPaused || d.Status == DigestInit {
			removeBlob(s, d.Path)
		}
		if CanTransition(d.Status, DigestCancelled) {
			d.Status = DigestCancelled
		}
	}
	s.dropEngineIfIdle(ed)
}

// digestStopped settles a worker report for a cancelled engine.
func (s *Service) digestStopped(ed *engineDownload, d *DockerDigest) {
	if d.Status == DigestDownloading {
		if fileSize(d.Path) < d.Size || d.Size == 0 {
			removeBlob(s, d.Path)
		}
		d.Status = DigestCancelled
	}
	s.dropEngineIfIdle(ed)
}

func (s *Service) dropEngineIfIdle(ed *engineDownload) {
	if ed.anyActive() || ed.extractRunning {
		return
	}
	delete(s.st.engines, ed.Engine.Version)
	if ed.pending != nil {
		e := *ed.pending
		s.startEngine(e, false)
	}
}

func removeBlob(s *Service, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove blob")
	}
}

// blobJob fetches one blob, verifies its digest and reports the outcome.
func (s *Service) blobJob(e manifest.Engine, d manifest.Digest, path string, rx control.Receiver) func(ctx context.Context) {
	version := e.Version
	url := e.BlobURL(d.Digest)
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		res, err := s.fetcher.Fetch(ctx, fetch.Request{
			URL:     url,
			Path:    path,
			Size:    d.Size,
			Control: rx,
			OnProgress: func(total int64) {
				s.Post(DockerDownloadProgress{Version: version, Digest: d.Digest, Total: total})
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Post(DockerBlobFailed{Version: version, Digest: d, Err: err})
			return
		}
		switch res.Outcome {
		case fetch.Completed:
			if err := fetch.VerifyDigest(path, d.Digest); err != nil {
				if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					s.logger.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove corrupt blob")
				}
				s.Post(DockerBlobFailed{Version: version, Digest: d, Err: err})
				return
			}
			s.Post(DockerBlobFinished{Version: version, Digest: d.Digest})
		case fetch.Paused:
			s.Post(DockerPaused{Version: version, Digest: d, Total: res.Total})
		case fetch.Cancelled:
			s.Post(DockerCanceled{Version: version, Digest: d})
		case fetch.Aborted:
			if ctx.Err() == nil {
				s.Post(DockerBlobFailed{Version: version, Digest: d, Err: ErrTransferAborted})
			}
		}
	}
}
