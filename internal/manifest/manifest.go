// Package manifest describes what the catalog hands over for download: chunked
// asset releases and container-engine versions made of digest-addressed blobs.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrInvalid = errors.New("manifest: invalid")
)

// Chunk is one content-addressed piece and where to fetch it.
type Chunk struct {
	GUID string `json:"guid" yaml:"guid"`
	URL  string `json:"url" yaml:"url"`
	Size int64  `json:"size" yaml:"size"`
}

// Part is a byte range of a chunk that contributes to a file.
type Part struct {
	GUID   string `json:"guid" yaml:"guid"`
	Offset int64  `json:"offset" yaml:"offset"`
	Size   int64  `json:"size" yaml:"size"`
}

// File is one output artifact assembled from chunk parts in order.
type File struct {
	Filename string `json:"filename" yaml:"filename"`
	// SHA1 of the assembled file, hex encoded. Optional.
	SHA1  string `json:"sha1,omitempty" yaml:"sha1,omitempty"`
	Parts []Part `json:"parts" yaml:"parts"`
}

// Size returns the assembled length of the file.
func (f File) Size() int64 {
	var n int64
	for _, p := range f.Parts {
		n += p.Size
	}
	return n
}

// GUIDs returns the distinct chunk GUIDs the file depends on, in first-use order.
func (f File) GUIDs() []string {
	seen := make(map[string]bool, len(f.Parts))
	out := make([]string, 0, len(f.Parts))
	for _, p := range f.Parts {
		if !seen[p.GUID] {
			seen[p.GUID] = true
			out = append(out, p.GUID)
		}
	}
	return out
}

// Release is one downloadable release of an asset.
type Release struct {
	Release string  `json:"release" yaml:"release"`
	Chunks  []Chunk `json:"chunks" yaml:"chunks"`
	Files   []File  `json:"files" yaml:"files"`
}

// Chunk looks up a chunk by GUID.
func (r *Release) Chunk(guid string) (Chunk, bool) {
	for _, c := range r.Chunks {
		if c.GUID == guid {
			return c, true
		}
	}
	return Chunk{}, false
}

// Asset is a start-download request for a catalog asset.
type Asset struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	// Target overrides the default vault directory. Optional.
	Target    string    `json:"target,omitempty" yaml:"target,omitempty"`
	Manifests []Release `json:"manifests" yaml:"manifests"`
}

// FileID builds the identifier of a file download.
func FileID(asset, release, filename string) string {
	return asset + "/" + release + "/" + filename
}

// Validate checks identifiers and that every part references a known chunk
// and stays within it.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: asset id is required", ErrInvalid)
	}
	if len(a.Manifests) == 0 {
		return fmt.Errorf("%w: asset %s has no manifests", ErrInvalid, a.ID)
	}
	for _, r := range a.Manifests {
		if r.Release == "" || !safeName(r.Release) {
			return fmt.Errorf("%w: asset %s has an invalid release name %q", ErrInvalid, a.ID, r.Release)
		}
		chunks := make(map[string]Chunk, len(r.Chunks))
		for _, c := range r.Chunks {
			if c.GUID == "" || c.URL == "" || !safeName(c.GUID) {
				return fmt.Errorf("%w: release %s has a chunk without guid or url", ErrInvalid, r.Release)
			}
			if prev, dup := chunks[c.GUID]; dup && prev.URL != c.URL {
				return fmt.Errorf("%w: chunk %s listed twice with different urls", ErrInvalid, c.GUID)
			}
			chunks[c.GUID] = c
		}
		for _, f := range r.Files {
			if f.Filename == "" || !safeRelPath(f.Filename) {
				return fmt.Errorf("%w: release %s has an invalid filename %q", ErrInvalid, r.Release, f.Filename)
			}
			for _, p := range f.Parts {
				c, ok := chunks[p.GUID]
				if !ok {
					return fmt.Errorf("%w: file %s references unknown chunk %s", ErrInvalid, f.Filename, p.GUID)
				}
				if p.Offset < 0 || p.Size < 0 || (c.Size > 0 && p.Offset+p.Size > c.Size) {
					return fmt.Errorf("%w: file %s part of %s is out of range", ErrInvalid, f.Filename, p.GUID)
				}
			}
		}
	}
	return nil
}

// Digest is one blob of a container-engine version.
type Digest struct {
	Digest string `json:"digest" yaml:"digest"`
	Size   int64  `json:"size" yaml:"size"`
}

// Engine is a start-download request for a container-engine version.
type Engine struct {
	Version     string   `json:"version" yaml:"version"`
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
	TotalSize   int64    `json:"totalSize" yaml:"total_size"`
	BlobBaseURL string   `json:"blobBaseUrl" yaml:"blob_base_url"`
	Target      string   `json:"target,omitempty" yaml:"target,omitempty"`
	Digests     []Digest `json:"digests" yaml:"digests"`
}

// BlobURL returns the fetch URL for a digest.
func (e *Engine) BlobURL(digest string) string {
	return strings.TrimRight(e.BlobBaseURL, "/") + "/" + digest
}

// Validate checks the engine request.
func (e *Engine) Validate() error {
	if e.Version == "" || !safeName(e.Version) {
		return fmt.Errorf("%w: invalid engine version %q", ErrInvalid, e.Version)
	}
	if e.BlobBaseURL == "" {
		return fmt.Errorf("%w: engine %s has no blob base url", ErrInvalid, e.Version)
	}
	if len(e.Digests) == 0 {
		return fmt.Errorf("%w: engine %s has no digests", ErrInvalid, e.Version)
	}
	seen := make(map[string]bool, len(e.Digests))
	for _, d := range e.Digests {
		algo, hex, ok := strings.Cut(d.Digest, ":")
		if !ok || algo == "" || hex == "" || !safeName(hex) {
			return fmt.Errorf("%w: malformed digest %q", ErrInvalid, d.Digest)
		}
		if seen[d.Digest] {
			return fmt.Errorf("%w: digest %s listed twice", ErrInvalid, d.Digest)
		}
		seen[d.Digest] = true
	}
	return nil
}

// safeName rejects values that would escape a directory when used as a path
// element.
func safeName(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func safeRelPath(p string) bool {
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
