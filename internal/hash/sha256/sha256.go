// Package sha256 computes the content digests used to name archived detail
// pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements crawler.Hasher. Digests are lowercase hex, optionally
// shortened to a fixed number of characters.
type Hasher struct {
	length int
}

// New returns a Hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a Hasher whose digests keep the first n hex
// characters. n outside (0, 64) keeps the full digest.
func NewTruncated(n int) *Hasher {
	if n <= 0 || n >= sha256.Size*2 {
		n = 0
	}
	return &Hasher{length: n}
}

// Hash digests data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return h.encode(sum[:]), nil
}

// HashReader digests everything read from r.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return h.encode(d.Sum(nil)), nil
}

func (h *Hasher) encode(sum []byte) string {
	out := hex.EncodeToString(sum)
	if h.length > 0 {
		return out[:h.length]
	}
	return out
}
