package domain

import (
	"strings"
	"time"
)

// Tier is the subscription tier of the job owner. It feeds the priority
// score computed when a job is enqueued.
type Tier string

const (
	TierFree    Tier = "free"
	TierHobby   Tier = "hobby"
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierHobby, TierPremium:
		return true
	}
	return false
}

// BoundingBox locates an item within its image. Coordinates are center-based
// percentages (0-100) of the image dimensions.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Item is one detected object within a job.
type Item struct {
	ID       string
	Name     string
	Category string
	Value    float64
	Box      BoundingBox
	// Retries counts how many times this item has been re-queued after a
	// rate-limit failure. Once it exceeds the configured maximum the item
	// is dead-lettered instead of re-queued.
	Retries int
}

// ItemID returns the explicit item id, or derives one from the name.
func (it Item) ItemID() string {
	if it.ID != "" {
		return it.ID
	}
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(it.Name), " ", "-"))
}

// ImageRef carries the encoded image a job operates on, its pixel
// dimensions, and a cheap fingerprint used for cache keys.
type ImageRef struct {
	Data        []byte
	Width       int
	Height      int
	Fingerprint string
}

// Job is a submitted batch of items, tracked end-to-end.
//
// Items may grow while the job is being processed: a rate-limited item is
// appended to the tail for a later retry pass. TotalItems is frozen at
// submission time and used only for progress reporting; the processing loop
// bounds itself on len(Items), re-read every pass.
//
// Invariant: CompletedItems <= len(Items) at every observation point.
type Job struct {
	JobID          string
	OwnerID        string
	Tier           Tier
	Items          []Item
	Status         string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	CompletedItems int
	TotalItems     int
	AggregateValue float64
	FailureReason  string
	// DeadLettered lists item ids abandoned after exhausting rate-limit
	// retries. Surfaced through the status endpoint.
	DeadLettered []string
	Image        ImageRef
}

// CropRect is an absolute pixel rectangle within an image.
type CropRect struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// ProcessedItem is the immutable record of one successfully processed item
// attempt. Cache hits produce one as well as fresh segmentation calls.
type ProcessedItem struct {
	ID          string
	JobID       string
	ItemID      string
	Mask        []byte
	Crop        CropRect
	ProcessedAt time.Time
}

// SegmentResult is what the external segmentation service returns for one
// crop: an opaque mask payload plus the rectangle that was actually used.
type SegmentResult struct {
	Mask []byte
	Crop CropRect
}
