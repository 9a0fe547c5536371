package downloader

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/pool"
)

// KeyImage is a catalog image identified by the MD5 of its content.
type KeyImage struct {
	URL string `json:"url"`
	MD5 string `json:"md5"`
}

// ImageCallback receives the cached path of a fetched image.
type ImageCallback func(path string)

// FetchThumbnail caches a thumbnail using the thumbnail pool.
func (s *Service) FetchThumbnail(img KeyImage, done ImageCallback) error {
	return s.fetchImage(s.thumbnails, img, done)
}

// FetchImage caches a full-size image using the image pool.
func (s *Service) FetchImage(img KeyImage, done ImageCallback) error {
	return s.fetchImage(s.images, img, done)
}

// ImagePath returns where an image is cached.
func (s *Service) ImagePath(img KeyImage) string {
	ext := path.Ext(strings.SplitN(img.URL, "?", 2)[0])
	return filepath.Join(s.opts.Storage.CacheDir, "images", img.MD5+ext)
}

func (s *Service) fetchImage(p *pool.Pool, img KeyImage, done ImageCallback) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running || p == nil {
		return ErrNotRunning
	}

	dest := s.ImagePath(img)
	return p.Submit(func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(dest); err == nil {
			if done != nil {
				done(dest)
			}
			return
		}
		tmp := dest + ".part"
		res, err := s.fetcher.Fetch(ctx, fetch.Request{URL: img.URL, Path: tmp})
		if err != nil {
			s.logger.Warn().Err(err).Str("url", img.URL).Msg("Failed to fetch image")
			os.Remove(tmp)
			return
		}
		if res.Outcome != fetch.Completed {
			return
		}
		if img.MD5 != "" {
			if sum, err := fetch.MD5File(tmp); err != nil || !strings.EqualFold(sum, img.MD5) {
				s.logger.Warn().Str("url", img.URL).Msg("Image checksum mismatch")
				os.Remove(tmp)
				return
			}
		}
		if err := os.Rename(tmp, dest); err != nil {
			s.logger.Warn().Err(err).Str("path", dest).Msg("Failed to store image")
			return
		}
		if done != nil {
			done(dest)
		}
	})
}
