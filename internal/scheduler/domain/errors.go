package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrRateLimited is returned by the segmentation boundary when the
	// external service rejected the call for rate limiting. It is the only
	// failure the scheduler retries.
	ErrRateLimited = errors.New("segmentation service rate limited")

	// ErrNoMask is returned when the segmentation call succeeded at the
	// transport level but produced no mask payload. The item is dropped.
	ErrNoMask = errors.New("segmentation service returned no mask")

	// ErrJobTerminal is returned when attempting to cancel a job that has
	// already reached a terminal status.
	ErrJobTerminal = errors.New("job already in terminal status")
)
