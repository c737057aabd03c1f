package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// imageFingerprintPrefix bounds how much of the encoded image feeds the
// fingerprint. Hashing the full payload would be wasted work: collisions
// between distinct images are tolerable because the item attributes in the
// cache key disambiguate.
const imageFingerprintPrefix = 4096

// ImageFingerprint derives a cheap identifier from the leading bytes of an
// encoded image.
func ImageFingerprint(data []byte) string {
	if len(data) > imageFingerprintPrefix {
		data = data[:imageFingerprintPrefix]
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key derives the deterministic cache key for one item within one image.
// The bounding-box center is rounded to whole percent so sub-percent jitter
// in repeated detections still maps to the same entry.
func Key(item domain.Item, imageFingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%s",
		item.Category,
		item.Name,
		int(math.Round(item.Box.X)),
		int(math.Round(item.Box.Y)),
		imageFingerprint,
	)
	return hex.EncodeToString(h.Sum(nil))
}
