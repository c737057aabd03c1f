package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pyckit/segmentation-service/internal/cache"
	"github.com/pyckit/segmentation-service/internal/credentials"
	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
	"github.com/pyckit/segmentation-service/internal/store"
)

var (
	// ErrNoItems is returned by Submit for a job with an empty item list
	ErrNoItems = errors.New("job has no items")

	// ErrInvalidTier is returned by Submit for an unknown tier
	ErrInvalidTier = errors.New("invalid tier")
)

// Segmenter is the boundary to the external segmentation service. The only
// failure the scheduler retries is domain.ErrRateLimited; anything else
// drops the item.
type Segmenter interface {
	Segment(ctx context.Context, image []byte, token string, crop domain.CropRect) (*domain.SegmentResult, error)
}

// Archiver persists terminal job records to an external sink. Optional.
type Archiver interface {
	ArchiveJob(ctx context.Context, snap *store.JobSnapshot) error
}

// Config holds the scheduler tuning knobs. Zero fields are filled with
// defaults by New.
type Config struct {
	// InitialItemDelay is the inter-item pause the loop starts with.
	InitialItemDelay time.Duration
	// MinItemDelay is the floor the delay relaxes down to on successes.
	MinItemDelay time.Duration
	// MaxItemDelay caps the exponential growth on rate-limit failures.
	MaxItemDelay time.Duration
	// ItemDelayStep is subtracted from the delay after each success.
	ItemDelayStep time.Duration
	// InterJobDelay is the pause between jobs while the queue is non-empty.
	InterJobDelay time.Duration
	// CacheTTL bounds how old a cached result may be before the scheduler
	// re-invokes the segmentation service. The cache itself never expires
	// entries; this is enforced here, on the read path.
	CacheTTL time.Duration
	// CropPadding widens item bounding boxes before cropping.
	CropPadding float64
	// MaxItemRetries dead-letters an item after this many rate-limit
	// re-queues. Zero disables the bound, restoring unbounded retries.
	MaxItemRetries int
	// CallTimeout bounds one segmentation call.
	CallTimeout time.Duration
	// ArchiveTimeout bounds one archive write.
	ArchiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialItemDelay <= 0 {
		c.InitialItemDelay = 15 * time.Second
	}
	if c.MinItemDelay <= 0 {
		c.MinItemDelay = 10 * time.Second
	}
	if c.MaxItemDelay <= 0 {
		c.MaxItemDelay = 60 * time.Second
	}
	if c.ItemDelayStep <= 0 {
		c.ItemDelayStep = 5 * time.Second
	}
	if c.InterJobDelay <= 0 {
		c.InterJobDelay = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.CropPadding <= 0 {
		c.CropPadding = 1.2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 5 * time.Second
	}
	return c
}

// Options holds the scheduler's injected dependencies.
type Options struct {
	Config    Config
	Logger    *slog.Logger
	Stores    *store.Stores
	Cache     *cache.Cache
	Rotator   *credentials.Rotator
	Segmenter Segmenter
	Archiver  Archiver // optional
}

// Scheduler runs the single cooperative processing loop.
//
// At most one job and one item are in flight at any instant. Submissions
// enqueue and start the loop only when it is idle; the loop drains the
// queue to empty and stops, it never polls. The active flag and the queue
// are checked under one mutex so a submission racing the loop's exit cannot
// strand a job in the queue.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	stores    *store.Stores
	cache     *cache.Cache
	rotator   *credentials.Rotator
	segmenter Segmenter
	archiver  Archiver

	mu     sync.Mutex
	queue  *PriorityQueue
	active bool

	// Adaptive backoff state, shared across jobs and touched only from the
	// loop goroutine.
	itemDelay       time.Duration
	consecutiveErrs int

	ctx    context.Context
	cancel context.CancelFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a scheduler. The loop is not started until the first Submit.
func New(opts *Options) *Scheduler {
	cfg := opts.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		logger:    opts.Logger,
		stores:    opts.Stores,
		cache:     opts.Cache,
		rotator:   opts.Rotator,
		segmenter: opts.Segmenter,
		archiver:  opts.Archiver,
		queue:     NewPriorityQueue(),
		itemDelay: cfg.InitialItemDelay,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Submit registers a new job, enqueues it, and starts the processing loop
// if it is idle. Returns the job id.
func (s *Scheduler) Submit(ownerID string, tier domain.Tier, image domain.ImageRef, items []domain.Item) (string, error) {
	if len(items) == 0 {
		return "", ErrNoItems
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	if image.Fingerprint == "" {
		image.Fingerprint = cache.ImageFingerprint(image.Data)
	}

	var aggregate float64
	for _, it := range items {
		aggregate += it.Value
	}

	job := &domain.Job{
		JobID:          uuid.New().String(),
		OwnerID:        ownerID,
		Tier:           tier,
		Items:          append([]domain.Item(nil), items...),
		Status:         domain.JobStatusQueued,
		CreatedAt:      s.now(),
		TotalItems:     len(items),
		AggregateValue: aggregate,
		Image:          image,
	}

	s.stores.PutJob(job)

	s.mu.Lock()
	s.queue.Add(job)
	start := !s.active
	if start {
		s.active = true
	}
	queued := s.queue.Size()
	s.mu.Unlock()

	s.logger.Info("job submitted",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", ownerID),
		slog.String("tier", string(tier)),
		slog.Int("items", len(items)),
		slog.Int("queue_size", queued),
	)

	if start {
		go s.run()
	}

	return job.JobID, nil
}

// Status returns a read-only snapshot of a job.
func (s *Scheduler) Status(jobID string) (*store.JobSnapshot, error) {
	return s.stores.Snapshot(jobID)
}

// Cancel marks a queued or in-flight job canceled. The loop skips its
// remaining items without treating the job as failed. Canceling a job that
// already reached a terminal status returns domain.ErrJobTerminal.
func (s *Scheduler) Cancel(jobID string) error {
	var terminalErr error
	err := s.stores.UpdateJob(jobID, func(j *domain.Job) {
		if domain.Terminal(j.Status) {
			terminalErr = domain.ErrJobTerminal
			return
		}
		now := s.now()
		j.Status = domain.JobStatusCanceled
		j.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	if terminalErr == nil {
		s.logger.Info("job canceled", slog.String("job_id", jobID))
	}
	return terminalErr
}

// idle reports whether the processing loop is stopped.
func (s *Scheduler) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active
}

// Shutdown stops the loop at the next suspension point. In-flight work is
// interrupted; the process is expected to be exiting.
func (s *Scheduler) Shutdown() {
	s.cancel()
}

// run drains the priority queue to empty, then clears the active flag and
// returns. A later submission starts a fresh loop.
func (s *Scheduler) run() {
	s.logger.Info("processing loop started")

	for {
		s.mu.Lock()
		job := s.queue.RemoveHighest()
		if job == nil {
			s.active = false
			s.mu.Unlock()
			s.logger.Info("queue drained, processing loop stopping")
			return
		}
		s.mu.Unlock()

		s.processJob(job)

		if s.ctx.Err() != nil {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
			s.logger.Info("processing loop stopping on shutdown")
			return
		}

		s.mu.Lock()
		remaining := s.queue.Size()
		s.mu.Unlock()
		if remaining > 0 {
			s.sleep(s.ctx, s.cfg.InterJobDelay)
		}
	}
}

func (s *Scheduler) processJob(job *domain.Job) {
	logger := s.logger.With(slog.String("job_id", job.JobID))

	if s.jobCanceled(job.JobID) {
		logger.Info("job canceled before processing, skipping")
		return
	}

	_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
		j.Status = domain.JobStatusProcessing
	})
	logger.Info("processing job",
		slog.Int("items", len(job.Items)),
		slog.String("tier", string(job.Tier)),
	)

	// A panic escaping per-item handling is a defect, not a classified
	// failure: the job is marked FAILED and its remaining items abandoned.
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("unhandled panic: %v", r)
			logger.Error("job aborted", slog.Any("panic", r))
			now := s.now()
			_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
				j.Status = domain.JobStatusFailed
				j.FailureReason = reason
				j.CompletedAt = &now
			})
			s.archiveJob(job.JobID)
		}
	}()

	// The item slice may grow during iteration: rate-limited items are
	// appended to the tail for a later retry pass, so the bound is
	// re-read every pass rather than captured once.
	for i := 0; i < len(job.Items); i++ {
		if s.jobCanceled(job.JobID) {
			logger.Info("job canceled, skipping remaining items",
				slog.Int("next_index", i),
				slog.Int("items", len(job.Items)),
			)
			return
		}

		s.processItem(logger, job, job.Items[i])

		if i < len(job.Items)-1 {
			s.sleep(s.ctx, s.itemDelay)
		}
	}

	now := s.now()
	_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &now
	})
	logger.Info("job completed",
		slog.Int("completed_items", job.CompletedItems),
		slog.Int("total_items", job.TotalItems),
		slog.Int("dead_lettered", len(job.DeadLettered)),
	)
	s.archiveJob(job.JobID)
}

func (s *Scheduler) processItem(logger *slog.Logger, job *domain.Job, item domain.Item) {
	itemID := item.ItemID()
	key := cache.Key(item, job.Image.Fingerprint)

	if payload, ok := s.freshCacheEntry(key); ok {
		// Served from cache: no credential consumed, no extra delay.
		logger.Debug("cache hit", slog.String("item", itemID))
		s.recordResult(job, item, payload.Mask, payload.Crop)
		return
	}

	token, err := s.rotator.Next()
	if err != nil {
		// Resource exhaustion drops this item but never fails the job.
		logger.Warn("no credential available, leaving item unprocessed",
			slog.String("item", itemID),
		)
		return
	}

	crop := cropRect(item.Box, job.Image.Width, job.Image.Height, s.cfg.CropPadding)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
	result, err := s.segmenter.Segment(ctx, job.Image.Data, token, crop)
	cancel()

	switch {
	case err == nil:
		s.cache.Set(key, cache.Payload{Mask: result.Mask, Crop: result.Crop})
		s.recordResult(job, item, result.Mask, result.Crop)
		s.consecutiveErrs = 0
		s.relaxDelay()

	case errors.Is(err, domain.ErrRateLimited):
		s.consecutiveErrs++
		s.raiseDelay()
		logger.Warn("rate limited",
			slog.String("item", itemID),
			slog.Int("consecutive_errors", s.consecutiveErrs),
			slog.Duration("item_delay", s.itemDelay),
		)
		s.requeueItem(logger, job, item)

	default:
		// Transport or format failure: drop the item, no retry.
		logger.Error("segmentation failed, dropping item",
			slog.String("item", itemID),
			slog.String("error", err.Error()),
		)
	}
}

// freshCacheEntry wraps the raw cache with the TTL decision the cache
// itself deliberately does not make. A stale entry stays stored but is
// reported as a miss.
func (s *Scheduler) freshCacheEntry(key string) (cache.Payload, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return cache.Payload{}, false
	}
	if s.now().Sub(entry.WrittenAt) >= s.cfg.CacheTTL {
		return cache.Payload{}, false
	}
	return entry.Payload, true
}

func (s *Scheduler) recordResult(job *domain.Job, item domain.Item, mask []byte, crop domain.CropRect) {
	s.stores.AppendItem(&domain.ProcessedItem{
		ID:          uuid.New().String(),
		JobID:       job.JobID,
		ItemID:      item.ItemID(),
		Mask:        mask,
		Crop:        crop,
		ProcessedAt: s.now(),
	})
	_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
		j.CompletedItems++
	})
}

func (s *Scheduler) requeueItem(logger *slog.Logger, job *domain.Job, item domain.Item) {
	if s.cfg.MaxItemRetries > 0 && item.Retries >= s.cfg.MaxItemRetries {
		logger.Warn("item dead-lettered after exhausting retries",
			slog.String("item", item.ItemID()),
			slog.Int("retries", item.Retries),
		)
		_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
			j.DeadLettered = append(j.DeadLettered, item.ItemID())
		})
		return
	}

	retry := item
	retry.Retries++
	_ = s.stores.UpdateJob(job.JobID, func(j *domain.Job) {
		j.Items = append(j.Items, retry)
	})
}

func (s *Scheduler) relaxDelay() {
	s.itemDelay -= s.cfg.ItemDelayStep
	if s.itemDelay < s.cfg.MinItemDelay {
		s.itemDelay = s.cfg.MinItemDelay
	}
}

func (s *Scheduler) raiseDelay() {
	s.itemDelay *= 2
	if s.itemDelay > s.cfg.MaxItemDelay {
		s.itemDelay = s.cfg.MaxItemDelay
	}
}

func (s *Scheduler) jobCanceled(jobID string) bool {
	status, err := s.stores.JobStatus(jobID)
	return err == nil && status == domain.JobStatusCanceled
}

func (s *Scheduler) archiveJob(jobID string) {
	if s.archiver == nil {
		return
	}
	snap, err := s.stores.Snapshot(jobID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()
	if err := s.archiver.ArchiveJob(ctx, snap); err != nil {
		s.logger.Error("failed to archive job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// sleepContext pauses for d unless ctx is done first. Returns false when
// the sleep was cut short.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
