package downloader

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnsafePath = errors.New("layer entry escapes target directory")

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

var gzipMagic = []byte{0x1f, 0x8b}

func (s *Service) extractJob(version string, blobs []string, dest string) func(ctx context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		s.logger.Info().Str("version", version).Str("target", dest).Int("layers", len(blobs)).Msg("Extracting engine")
		if err := extractLayers(ctx, blobs, dest); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Post(DockerExtractionFailed{Version: version, Err: err})
			return
		}
		s.Post(DockerExtractionFinished{Version: version})
	}
}

// extractLayers unpacks layer tarballs in order into dest. Later layers
// override earlier ones and whiteout entries delete what they name.
func extractLayers(ctx context.Context, blobs []string, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dest, err)
	}
	for _, blob := range blobs {
		if err := extractLayer(ctx, blob, dest, realDest); err != nil {
			return fmt.Errorf("layer %s: %w", filepath.Base(blob), err)
		}
	}
	return nil
}

func extractLayer(ctx context.Context, blob, dest, realDest string) error {
	f, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, err := br.Peek(2); err == nil && bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := extractEntry(tr, hdr, dest, realDest); err != nil {
			return err
		}
	}
}

// extractEntry writes one tar entry below dest. realDest is dest with
// symlinks resolved. No existing ancestor of the entry may resolve outside it.
func extractEntry(tr *tar.Reader, hdr *tar.Header, dest, realDest string) error {
	target, err := safeJoin(dest, hdr.Name)
	if err != nil {
		return err
	}
	if err := checkAncestors(dest, realDest, target); err != nil {
		return err
	}
	base := filepath.Base(target)
	dir := filepath.Dir(target)

	if base == whiteoutOpaque {
		return clearDir(dir)
	}
	if strings.HasPrefix(base, whiteoutPrefix) {
		return os.RemoveAll(filepath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, dirMode(hdr))
	case tar.TypeReg:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		// Replace rather than write through an existing symlink.
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("%w: absolute symlink %s", ErrUnsafePath, hdr.Name)
		}
		if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		src, err := safeJoin(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := checkAncestors(dest, realDest, src); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Link(src, target)
	default:
		// Devices and fifos are not reproduced.
		return nil
	}
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.Join(root, filepath.FromSlash(name)))
	if !within(root, clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// checkAncestors fails when a directory on the way from dest to target is a
// symlink resolving outside realDest. Components that do not exist yet end the
// walk, since everything below them is created by this extraction.
func checkAncestors(dest, realDest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsafePath, target)
	}
	if rel == "." {
		return nil
	}
	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(cur)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsafePath, cur, err)
		}
		if !within(realDest, resolved) {
			return fmt.Errorf("%w: %s resolves to %s", ErrUnsafePath, cur, resolved)
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode) & 0o777
	if mode == 0 {
		mode = 0o755
	}
	return mode | 0o700
}
