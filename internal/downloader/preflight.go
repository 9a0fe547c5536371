package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

// ErrInsufficientSpace is returned when the target volume cannot hold an item.
var ErrInsufficientSpace = errors.New("insufficient disk space")

type fileCheck struct {
	asset   string
	release string
	fileID  string
	file    manifest.File
	path    string
}

// validateJob checks free space on the target volume, then decides per file
// whether it must be fetched or is already in place.
func (s *Service) validateJob(itemID, target string, need uint64, checks []fileCheck) func(ctx context.Context) {
	minFree := s.opts.Downloads.MinFreeBytes
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if err := checkFreeSpace(target, need, minFree); err != nil {
			s.Post(IOError{Item: itemID, Message: err.Error()})
			s.Post(PauseItem{ID: itemID})
		}
		for _, c := range checks {
			if ctx.Err() != nil {
				return
			}
			if fileValid(c.path, c.file) {
				s.Post(FileAlreadyDownloaded{
					Asset:    c.asset,
					FileID:   c.fileID,
					Path:     c.path,
					Filename: c.file.Filename,
					Size:     c.file.Size(),
				})
				continue
			}
			s.Post(PerformAssetDownload{Asset: c.asset, Release: c.release, File: c.file})
		}
	}
}

// fileValid reports whether path already holds the expected file.
func fileValid(path string, f manifest.File) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() || fi.Size() != f.Size() {
		return false
	}
	if f.SHA1 == "" {
		return true
	}
	sum, err := fetch.SHA1File(path)
	return err == nil && strings.EqualFold(sum, f.SHA1)
}

// checkFreeSpace fails when the volume holding dir has less than need plus
// minFree bytes available. The nearest existing ancestor is measured.
func checkFreeSpace(dir string, need, minFree uint64) error {
	probe := existingAncestor(dir)
	if probe == "" {
		return nil
	}
	usage, err := disk.Usage(probe)
	if err != nil {
		// Unsupported filesystems are not a reason to refuse a download.
		return nil
	}
	if usage.Free < need+minFree {
		return fmt.Errorf("%w on %s: need %s, %s free", ErrInsufficientSpace, probe,
			humanize.IBytes(need+minFree), humanize.IBytes(usage.Free))
	}
	return nil
}

func existingAncestor(dir string) string {
	if dir == "" {
		return ""
	}
	dir = filepath.Clean(dir)
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
