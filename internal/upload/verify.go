// ABOUTME: Verification of published resources against declared digests
// ABOUTME: Supports md5, sha1, sha256 and blake2b digests in "<algo>:<hex>" form

package upload

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var errBadDigestSpec = errors.New("unsupported digest")

// Digest computes "<algo>:<hex>" for r. Algorithms: md5, sha1, sha256, blake2b.
func Digest(algo string, r io.Reader) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return algo + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func newHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "blake2b":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", errBadDigestSpec, algo)
	}
}

// verify fetches url and checks it is served and, when digest is set, that
// its content matches.
func (u *Uploader) verify(ctx context.Context, url, digest string) error {
	var (
		h    hash.Hash
		want string
	)
	if digest != "" {
		algo, hexSum, ok := strings.Cut(digest, ":")
		if !ok {
			return fmt.Errorf("%w: %q", errBadDigestSpec, digest)
		}
		var err error
		if h, err = newHash(algo); err != nil {
			return err
		}
		want = strings.ToLower(hexSum)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building verification request: %w", err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching published resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("published resource answered %s", resp.Status)
	}

	var sink io.Writer = io.Discard
	if h != nil {
		sink = h
	}
	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return fmt.Errorf("reading published resource: %w", err)
	}
	if n == 0 {
		return errors.New("published resource is empty")
	}
	if h != nil {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("digest mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}
