// Package integrity verifies finished downloads against an expected
// checksum.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a supported checksum algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	CRC32  Algorithm = "crc32"
	BLAKE3 Algorithm = "blake3"
)

// ErrUnknownAlgorithm is returned for an unrecognized algorithm tag.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

// ParseAlgorithm normalizes an algorithm tag ("SHA-256", "sha256", ...).
func ParseAlgorithm(tag string) (Algorithm, error) {
	switch strings.ToLower(strings.ReplaceAll(tag, "-", "")) {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "crc32":
		return CRC32, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, tag)
	}
}

func newHasher(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case CRC32:
		return crc32.NewIEEE(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

// FileHash computes the hex-encoded hash of a file.
func FileHash(path string, algo Algorithm) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares a file's hash against the expected hex digest,
// case-insensitively.
func Verify(path, expected string, algo Algorithm) (bool, error) {
	actual, err := FileHash(path, algo)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}
