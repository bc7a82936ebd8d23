package dedup

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
)

// hashBits is the width of the stored fingerprint
const hashBits = 64

// Hasher computes content fingerprints and distances between them.
// Distance is normalized to [0,1] where 0 means identical; grouping uses
// 1-threshold as the maximum allowed distance. The algorithm stays behind
// this interface because recall/precision calibration depends on it.
type Hasher interface {
	Compute(imagePath string) (string, error)
	Distance(hashA, hashB string) (float64, error)
	Algorithm() string
}

// PerceptionHasher fingerprints images with a 64-bit perceptual hash
type PerceptionHasher struct{}

// NewPerceptionHasher returns the default fingerprint implementation
func NewPerceptionHasher() *PerceptionHasher {
	return &PerceptionHasher{}
}

// Algorithm tags stored fingerprints with the hash variant used
func (h *PerceptionHasher) Algorithm() string {
	return "phash-64"
}

// Compute reads the image and returns its fingerprint as a hex string
func (h *PerceptionHasher) Compute(imagePath string) (string, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("dedup: failed to open %s for hashing: %w", imagePath, err)
	}

	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("dedup: failed to compute perceptual hash for %s: %w", imagePath, err)
	}

	return fmt.Sprintf("%016x", phash.GetHash()), nil
}

// Distance returns the normalized Hamming distance between two hex
// fingerprints
func (h *PerceptionHasher) Distance(hashA, hashB string) (float64, error) {
	a, err := strconv.ParseUint(hashA, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("dedup: invalid fingerprint %q: %w", hashA, err)
	}
	b, err := strconv.ParseUint(hashB, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("dedup: invalid fingerprint %q: %w", hashB, err)
	}

	return float64(bits.OnesCount64(a^b)) / hashBits, nil
}
