package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultfetch/vaultfetch/internal/fetch"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

var ErrChecksumMismatch = errors.New("assembled file checksum mismatch")

type assembly struct {
	fileID string
	dest   string
	sha1   string
	parts  []manifest.Part
	paths  map[string]string
}

func (s *Service) assembleJob(a assembly) func(ctx context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if err := assemble(ctx, a); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Post(FileAssemblyFailed{FileID: a.fileID, Err: err})
			return
		}
		s.logger.Info().Str("file", a.fileID).Str("path", a.dest).Msg("File assembled")
		s.Post(FinalizeFileDownload{FileID: a.fileID})
	}
}

// assemble writes the parts in order into dest.part, verifies the checksum
// and renames into place. The partial output is removed on failure.
func assemble(ctx context.Context, a assembly) (err error) {
	if err := os.MkdirAll(filepath.Dir(a.dest), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	tmp := a.dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	open := make(map[string]*os.File)
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()

	for _, p := range a.parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := open[p.GUID]
		if !ok {
			path, known := a.paths[p.GUID]
			if !known {
				return fmt.Errorf("no chunk for part %s", p.GUID)
			}
			src, err = os.Open(path)
			if err != nil {
				return fmt.Errorf("open chunk %s: %w", p.GUID, err)
			}
			open[p.GUID] = src
		}
		n, err := io.Copy(out, io.NewSectionReader(src, p.Offset, p.Size))
		if err != nil {
			return fmt.Errorf("copy chunk %s: %w", p.GUID, err)
		}
		if n != p.Size {
			return fmt.Errorf("chunk %s is short: %d of %d bytes at offset %d", p.GUID, n, p.Size, p.Offset)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if a.sha1 != "" {
		sum, err := fetch.SHA1File(tmp)
		if err != nil {
			return err
		}
		if !strings.EqualFold(sum, a.sha1) {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, filepath.Base(a.dest))
		}
	}

	if err := os.Rename(tmp, a.dest); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}
