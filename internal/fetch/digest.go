package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

var (
	ErrDigestMismatch    = errors.New("fetch: digest mismatch")
	ErrUnsupportedDigest = errors.New("fetch: unsupported digest algorithm")
)

// VerifyDigest checks the file at path against an OCI-style digest
// ("sha256:<hex>" or "sha512:<hex>").
func VerifyDigest(path, digest string) error {
	algo, want, ok := strings.Cut(digest, ":")
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
	}

	var h hash.Hash
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDigest, algo)
	}

	got, err := hashFile(path, h)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, digest)
	}
	return nil
}

// SHA1File returns the hex SHA-1 of a file.
func SHA1File(path string) (string, error) {
	return hashFile(path, sha1.New())
}

// MD5File returns the hex MD5 of a file.
func MD5File(path string) (string, error) {
	return hashFile(path, md5.New())
}

func hashFile(path string, h hash.Hash) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
