// Package digest computes self-describing content hashes of the form
// "algorithm:hex" for files, byte slices and streams.
package digest

import (
	"bytes"
	"crypto/md5" //nolint:gosec // md5 is offered for compatibility with older manifests
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ChunkSize is the read size used when streaming content through a hasher.
const ChunkSize = 8192

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	MD5    Algorithm = "md5"
	BLAKE3 Algorithm = "blake3"
)

// Default is the algorithm assumed for bare digests and empty options.
const Default = SHA256

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrInvalidToken         = errors.New("invalid hash token")
)

// Algorithms returns every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, SHA512, MD5, BLAKE3}
}

// Supported reports whether a is a known algorithm.
func (a Algorithm) Supported() bool {
	_, err := newHasher(a)
	return err == nil
}

func newHasher(a Algorithm) (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case MD5:
		return md5.New(), nil //nolint:gosec
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// Token is a digest tagged with the algorithm that produced it.
// Two tokens are equal only when both the algorithm and the digest match.
type Token struct {
	Algorithm Algorithm
	Digest    string // lowercase hex
}

func (t Token) String() string {
	if t.IsZero() {
		return ""
	}
	return string(t.Algorithm) + ":" + t.Digest
}

// IsZero reports whether t carries no digest.
func (t Token) IsZero() bool {
	return t.Algorithm == "" && t.Digest == ""
}

// Equal reports structural equality.
func (t Token) Equal(other Token) bool {
	return t.Algorithm == other.Algorithm && t.Digest == other.Digest
}

// MarshalText encodes the token in its canonical string form.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the canonical string form.
func (t *Token) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*t = Token{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse decodes "algorithm:hex". A value without a separator is treated as
// a sha256 digest so manifests written before tokens were self-describing
// still load.
func Parse(s string) (Token, error) {
	s = strings.TrimSpace(s)
	algo, digest, found := strings.Cut(s, ":")
	if !found {
		algo, digest = string(Default), s
	}

	a := Algorithm(strings.ToLower(algo))
	if !a.Supported() {
		return Token{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}

	digest = strings.ToLower(digest)
	if digest == "" {
		return Token{}, fmt.Errorf("%w: empty digest in %q", ErrInvalidToken, s)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return Token{}, fmt.Errorf("%w: %q is not hex", ErrInvalidToken, digest)
	}

	return Token{Algorithm: a, Digest: digest}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Token {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Stream reads r to EOF in ChunkSize pieces and returns its digest.
func Stream(r io.Reader, algo Algorithm) (Token, error) {
	h, err := newHasher(algo)
	if err != nil {
		return Token{}, err
	}

	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(onlyWriter{h}, onlyReader{r}, buf); err != nil {
		return Token{}, fmt.Errorf("reading content: %w", err)
	}

	return Token{Algorithm: algo, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// Bytes returns the digest of data.
func Bytes(data []byte, algo Algorithm) (Token, error) {
	return Stream(bytes.NewReader(data), algo)
}

// File returns the digest of the file at path.
func File(path string, algo Algorithm) (Token, error) {
	if _, err := newHasher(algo); err != nil {
		return Token{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Token{}, err
	}
	defer func() { _ = f.Close() }()

	return Stream(f, algo)
}

// VerifyFile recomputes the digest of path with expected's algorithm.
func VerifyFile(path string, expected Token) (bool, error) {
	actual, err := File(path, expected.Algorithm)
	if err != nil {
		return false, err
	}
	return actual.Equal(expected), nil
}

// onlyReader and onlyWriter hide ReaderFrom/WriterTo so io.CopyBuffer
// honours the fixed chunk size.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }
