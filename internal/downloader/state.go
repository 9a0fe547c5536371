package downloader

import (
	"time"

	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

// ItemKind distinguishes asset and engine items.
type ItemKind string

const (
	KindAsset  ItemKind = "asset"
	KindEngine ItemKind = "engine"
)

// ItemStatus is the coarse state shown for an item.
type ItemStatus string

const (
	ItemDownloading ItemStatus = "downloading"
	ItemPaused      ItemStatus = "paused"
	ItemExtracting  ItemStatus = "extracting"
)

// ChunkStatus is the lifecycle of a shared chunk temp file.
type ChunkStatus int

const (
	ChunkStatusPending ChunkStatus = iota
	ChunkStatusDownloading
	ChunkStatusPaused
	ChunkStatusCancelled
	ChunkStatusDone
	// ChunkStatusFailed behaves like ChunkStatusPaused: the partial file is kept and a
	// resume continues from it.
	ChunkStatusFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkStatusPending:
		return "pending"
	case ChunkStatusDownloading:
		return "downloading"
	case ChunkStatusPaused:
		return "paused"
	case ChunkStatusCancelled:
		return "cancelled"
	case ChunkStatusDone:
		return "done"
	case ChunkStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Chunk is one content-addressed temp file shared by every file that
// references its GUID.
type Chunk struct {
	GUID       string
	URL        string
	Path       string
	Size       int64
	Downloaded int64
	Status     ChunkStatus

	failures int
	timer    *time.Timer
	// cancelling is set between sending Cancel and the worker acknowledging it.
	cancelling bool
	// restart asks for a fresh download once a pending cancel is acknowledged.
	restart bool
}

func (c *Chunk) active() bool {
	return c.Status == ChunkStatusPending || c.Status == ChunkStatusDownloading
}

func (c *Chunk) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// FileStatus is the lifecycle of one output file.
type FileStatus int

const (
	FileStatusValidating FileStatus = iota
	FileStatusDownloading
	FileStatusAssembling
	// FileStatusDownloaded means every chunk is present but assembly failed; a
	// resume assembles again.
	FileStatusDownloaded
	FileStatusExtracted
)

// FileDownload is one output file of an asset item.
type FileDownload struct {
	ID       string
	Asset    string
	Release  string
	Filename string
	File     manifest.File
	Status   FileStatus

	release *manifest.Release
}

// DigestStatus is the lifecycle of an engine blob.
type DigestStatus int

const (
	DigestInit DigestStatus = iota
	DigestDownloading
	DigestPaused
	DigestCancelled
	DigestDownloaded
	DigestExtracting
	DigestExtracted
)

func (s DigestStatus) String() string {
	switch s {
	case DigestInit:
		return "init"
	case DigestDownloading:
		return "downloading"
	case DigestPaused:
		return "paused"
	case DigestCancelled:
		return "cancelled"
	case DigestDownloaded:
		return "downloaded"
	case DigestExtracting:
		return "extracting"
	case DigestExtracted:
		return "extracted"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a digest may move from one status to another.
// Progress is strictly forward; the only way back is to Init, for a retry
// after a failure or a cancel.
func CanTransition(from, to DigestStatus) bool {
	switch from {
	case DigestInit:
		return to == DigestDownloading || to == DigestCancelled
	case DigestDownloading:
		return to == DigestDownloaded || to == DigestPaused || to == DigestCancelled || to == DigestInit
	case DigestPaused:
		return to == DigestDownloading || to == DigestCancelled || to == DigestInit
	case DigestCancelled:
		return to == DigestInit
	case DigestDownloaded:
		return to == DigestExtracting
	case DigestExtracting:
		return to == DigestExtracted
	default:
		return false
	}
}

// DockerDigest is one blob of an engine version.
type DockerDigest struct {
	Digest     string
	Size       int64
	Downloaded int64
	Status     DigestStatus
	Path       string

	failures int
	timer    *time.Timer
}

// engineDownload holds the blobs of one engine version.
type engineDownload struct {
	Engine  manifest.Engine
	Digests []*DockerDigest
	byName  map[string]*DockerDigest
	itemID  string
	// cancelled engines stay until every worker acknowledged; a new request
	// for the same version waits in pending.
	cancelled      bool
	pending        *manifest.Engine
	extractFailed  bool
	extractRunning bool
}

func (e *engineDownload) all(s DigestStatus) bool {
	for _, d := range e.Digests {
		if d.Status != s {
			return false
		}
	}
	return true
}

func (e *engineDownload) anyActive() bool {
	for _, d := range e.Digests {
		if d.Status == DigestDownloading {
			return true
		}
	}
	return false
}

// DownloadItem is one user-visible download.
type DownloadItem struct {
	ID        string
	Label     string
	Kind      ItemKind
	Target    string
	Status    ItemStatus
	CreatedAt time.Time

	// Progress maps a chunk GUID or blob digest to its completed fraction.
	Progress map[string]float64
	Files    map[string]*FileDownload

	asset  *manifest.Asset
	engine *manifest.Engine
}

func (it *DownloadItem) filesDone() bool {
	for _, f := range it.Files {
		if f.Status != FileStatusExtracted {
			return false
		}
	}
	return true
}

// EngineItemID is the item identifier of an engine version.
func EngineItemID(version string) string {
	return "engine:" + version
}

// state is owned by the orchestrator loop and never touched elsewhere.
type state struct {
	items map[string]*DownloadItem
	// files is every file currently being fetched or assembled.
	files  map[string]*FileDownload
	chunks map[string]*Chunk
	// downloadedChunks maps a chunk GUID to the ids of files that need it.
	downloadedChunks map[string][]string
	assetGUIDs       map[string][]string
	chunkURLs        map[string][]string

	pausedAssetChunks   map[string][]PauseChunk
	pausedDockerDigests map[string][]manifest.Digest
	engines             map[string]*engineDownload

	hasItems bool
}

func newState() *state {
	return &state{
		items:               make(map[string]*DownloadItem),
		files:               make(map[string]*FileDownload),
		chunks:              make(map[string]*Chunk),
		downloadedChunks:    make(map[string][]string),
		assetGUIDs:          make(map[string][]string),
		chunkURLs:           make(map[string][]string),
		pausedAssetChunks:   make(map[string][]PauseChunk),
		pausedDockerDigests: make(map[string][]manifest.Digest),
		engines:             make(map[string]*engineDownload),
	}
}

// fileRefs returns the files referencing guid.
func (s *state) fileRefs(guid string) []*FileDownload {
	var out []*FileDownload
	for _, id := range s.downloadedChunks[guid] {
		if f, ok := s.files[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// neededByOthers reports whether a file of an unpaused item other than
// itemID references guid.
func (s *state) neededByOthers(guid, itemID string) bool {
	for _, f := range s.fileRefs(guid) {
		if f.Asset == itemID {
			continue
		}
		if it, ok := s.items[f.Asset]; ok && it.Status != ItemPaused {
			return true
		}
	}
	return false
}

// wantedByRunning reports whether a file of an unpaused item references guid.
func (s *state) wantedByRunning(guid string) bool {
	for _, f := range s.fileRefs(guid) {
		if it, ok := s.items[f.Asset]; ok && it.Status != ItemPaused {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
