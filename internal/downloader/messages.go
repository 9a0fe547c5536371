package downloader

import (
	"github.com/vaultfetch/vaultfetch/internal/journal"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

// Message is anything the orchestrator loop consumes. Workers, timers and the
// public API all talk to the loop by posting messages.
type Message interface {
	messageName() string
}

// StartAssetDownload registers an asset item and schedules validation of its files.
type StartAssetDownload struct {
	Asset manifest.Asset
}

// PerformAssetDownload starts fetching the chunks of a file that failed validation.
type PerformAssetDownload struct {
	Asset   string
	Release string
	File    manifest.File
}

// PerformChunkDownload submits a chunk to the download pool.
type PerformChunkDownload struct {
	URL  string
	Path string
	GUID string
}

// RedownloadChunk resumes a paused or failed chunk from its partial file.
type RedownloadChunk struct {
	URL  string
	Path string
	GUID string
}

// PauseChunk signals the chunk's worker to stop and keep its partial file.
type PauseChunk struct {
	URL  string
	Path string
	GUID string
}

// CancelChunk stops the chunk's worker and removes its temp file.
type CancelChunk struct {
	URL  string
	Path string
	GUID string
}

// ChunkDownloadProgress reports the cumulative bytes of a chunk.
type ChunkDownloadProgress struct {
	GUID     string
	Total    int64
	Finished bool
}

// ChunkDownloadFailed reports a transfer error.
type ChunkDownloadFailed struct {
	GUID string
	Err  error
}

// ChunkPaused reports that a worker stopped on a pause signal.
type ChunkPaused struct {
	GUID  string
	Total int64
}

// ChunkCancelled reports that a worker stopped on a cancel signal and removed
// its partial file.
type ChunkCancelled struct {
	GUID string
}

// FinalizeFileDownload is posted once a file was assembled into its target.
type FinalizeFileDownload struct {
	FileID string
}

// FileAssemblyFailed reports an assembler error.
type FileAssemblyFailed struct {
	FileID string
	Err    error
}

// FileAlreadyDownloaded is posted when validation found the final artifact
// already in place.
type FileAlreadyDownloaded struct {
	Asset    string
	FileID   string
	Path     string
	Filename string
	Size     int64
}

// FileExtracted marks a file of an item as done.
type FileExtracted struct {
	Asset  string
	FileID string
}

// PerformDockerEngineDownload registers an engine item and fetches its blobs.
type PerformDockerEngineDownload struct {
	Engine manifest.Engine
}

// DockerDownloadProgress reports the cumulative bytes of a blob.
type DockerDownloadProgress struct {
	Version string
	Digest  string
	Total   int64
}

// DockerBlobFinished reports a blob fetched and verified.
type DockerBlobFinished struct {
	Version string
	Digest  string
}

// DockerBlobFailed reports a transfer or verification error.
type DockerBlobFailed struct {
	Version string
	Digest  manifest.Digest
	Err     error
}

// DockerExtractionFinished reports every layer of a version unpacked.
type DockerExtractionFinished struct {
	Version string
}

// DockerExtractionFailed reports an extraction error.
type DockerExtractionFailed struct {
	Version string
	Err     error
}

// DockerCanceled reports that a blob worker stopped on a cancel signal.
type DockerCanceled struct {
	Version string
	Digest  manifest.Digest
}

// DockerPaused reports that a blob worker stopped on a pause signal.
type DockerPaused struct {
	Version string
	Digest  manifest.Digest
	Total   int64
}

// IOError surfaces a non-fatal error as a notification.
type IOError struct {
	Item    string
	Message string
}

// PauseItem pauses every unit of an item.
type PauseItem struct {
	ID    string
	reply chan error
}

// ResumeItem resumes paused and failed units of an item.
type ResumeItem struct {
	ID    string
	reply chan error
}

// CancelItem permanently cancels an item.
type CancelItem struct {
	ID    string
	reply chan error
}

type snapshotQuery struct {
	reply chan Snapshot
}

type pathsQuery struct {
	reply chan map[string]bool
}

type restoreItem struct {
	entry journal.Entry
}

type retryDigest struct {
	Version string
	Digest  string
}

func (StartAssetDownload) messageName() string          { return "StartAssetDownload" }
func (PerformAssetDownload) messageName() string        { return "PerformAssetDownload" }
func (PerformChunkDownload) messageName() string        { return "PerformChunkDownload" }
func (RedownloadChunk) messageName() string             { return "RedownloadChunk" }
func (PauseChunk) messageName() string                  { return "PauseChunk" }
func (CancelChunk) messageName() string                 { return "CancelChunk" }
func (ChunkDownloadProgress) messageName() string       { return "ChunkDownloadProgress" }
func (ChunkDownloadFailed) messageName() string         { return "ChunkDownloadFailed" }
func (ChunkPaused) messageName() string                 { return "ChunkPaused" }
func (ChunkCancelled) messageName() string              { return "ChunkCancelled" }
func (FinalizeFileDownload) messageName() string        { return "FinalizeFileDownload" }
func (FileAssemblyFailed) messageName() string          { return "FileAssemblyFailed" }
func (FileAlreadyDownloaded) messageName() string       { return "FileAlreadyDownloaded" }
func (FileExtracted) messageName() string               { return "FileExtracted" }
func (PerformDockerEngineDownload) messageName() string { return "PerformDockerEngineDownload" }
func (DockerDownloadProgress) messageName() string      { return "DockerDownloadProgress" }
func (DockerBlobFinished) messageName() string          { return "DockerBlobFinished" }
func (DockerBlobFailed) messageName() string            { return "DockerBlobFailed" }
func (DockerExtractionFinished) messageName() string    { return "DockerExtractionFinished" }
func (DockerExtractionFailed) messageName() string      { return "DockerExtractionFailed" }
func (DockerCanceled) messageName() string              { return "DockerCanceled" }
func (DockerPaused) messageName() string                { return "DockerPaused" }
func (IOError) messageName() string                     { return "IOError" }
func (PauseItem) messageName() string                   { return "PauseItem" }
func (ResumeItem) messageName() string                  { return "ResumeItem" }
func (CancelItem) messageName() string                  { return "CancelItem" }
func (snapshotQuery) messageName() string               { return "snapshot" }
func (pathsQuery) messageName() string                  { return "paths" }
func (restoreItem) messageName() string                 { return "restore" }
func (retryDigest) messageName() string                 { return "retryDigest" }
