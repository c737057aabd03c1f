package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyckit/segmentation-service/internal/cache"
	"github.com/pyckit/segmentation-service/internal/credentials"
	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
	"github.com/pyckit/segmentation-service/internal/store"
)

type segmentCall struct {
	token string
	crop  domain.CropRect
	image []byte
}

// fakeSegmenter pops one scripted error per call; an empty script means
// success. onCall runs outside the lock so hooks may call back into the
// scheduler.
type fakeSegmenter struct {
	mu     sync.Mutex
	errs   []error
	calls  []segmentCall
	onCall func(n int)
}

func (f *fakeSegmenter) Segment(ctx context.Context, image []byte, token string, crop domain.CropRect) (*domain.SegmentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, segmentCall{token: token, crop: crop, image: image})
	n := len(f.calls)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	return &domain.SegmentResult{Mask: []byte(fmt.Sprintf("mask-%d", n)), Crop: crop}, nil
}

func (f *fakeSegmenter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSegmenter) call(i int) segmentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type sleepRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.durations = append(r.durations, d)
	r.mu.Unlock()
	return true
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.durations)
}

type schedEnv struct {
	sched  *Scheduler
	stores *store.Stores
	cache  *cache.Cache
	seg    *fakeSegmenter
	sleeps *sleepRecorder
}

func newSchedEnv(t *testing.T, cfg Config, tokens []string) *schedEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &schedEnv{
		stores: store.New(),
		cache:  cache.New(100),
		seg:    &fakeSegmenter{},
		sleeps: &sleepRecorder{},
	}
	env.sched = New(&Options{
		Config:    cfg,
		Logger:    logger,
		Stores:    env.stores,
		Cache:     env.cache,
		Rotator:   credentials.NewRotator(tokens, 15*time.Second, logger),
		Segmenter: env.seg,
	})
	env.sched.sleep = env.sleeps.sleep
	t.Cleanup(env.sched.Shutdown)
	return env
}

func testImage() domain.ImageRef {
	return domain.ImageRef{
		Data:   []byte("fake-jpeg-bytes"),
		Width:  1000,
		Height: 1000,
	}
}

func testItems(n int) []domain.Item {
	items := make([]domain.Item, n)
	for i := range items {
		items[i] = domain.Item{
			Name:     fmt.Sprintf("item-%d", i),
			Category: "decor",
			Value:    50,
			Box:      domain.BoundingBox{X: 50, Y: 50, Width: 10, Height: 10},
		}
	}
	return items
}

func waitStatus(t *testing.T, env *schedEnv, jobID, status string) *store.JobSnapshot {
	t.Helper()
	var snap *store.JobSnapshot
	require.Eventually(t, func() bool {
		s, err := env.stores.Snapshot(jobID)
		if err != nil || s.Status != status {
			return false
		}
		snap = s
		return true
	}, 2*time.Second, time.Millisecond, "job %s never reached %s", jobID, status)
	return snap
}

func TestScheduler_SubmitValidation(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	_, err := env.sched.Submit("owner", domain.TierFree, testImage(), nil)
	require.ErrorIs(t, err, ErrNoItems)

	_, err = env.sched.Submit("owner", domain.Tier("platinum"), testImage(), testItems(1))
	require.ErrorIs(t, err, ErrInvalidTier)
}

func TestScheduler_EndToEndAllSuccess(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	jobID, err := env.sched.Submit("owner", domain.TierPremium, testImage(), testItems(3))
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 3, snap.CompletedItems)
	assert.Equal(t, 3, snap.TotalItems)
	require.Len(t, snap.ProcessedItems, 3)
	assert.NotNil(t, snap.CompletedAt)
	assert.Empty(t, snap.DeadLettered)

	// 10% box at the center of a 1000px image, padded by 1.2 and clamped.
	want := domain.CropRect{X1: 440, Y1: 440, X2: 560, Y2: 560}
	for _, pi := range snap.ProcessedItems {
		assert.Equal(t, want, pi.Crop)
		assert.NotEmpty(t, pi.Mask)
		assert.False(t, pi.ProcessedAt.IsZero())
	}

	require.Equal(t, 3, env.seg.callCount())
	assert.Equal(t, "key-1", env.seg.call(0).token)

	// Two inter-item pauses for three items; none after the last.
	assert.Equal(t, 2, env.sleeps.count())
}

func TestScheduler_RateLimitedRetryEventuallySucceeds(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})
	env.seg.errs = []error{domain.ErrRateLimited, domain.ErrRateLimited, nil}

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(1))
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)

	// The sequence grew by two retry appends before the item resolved.
	assert.Equal(t, 3, snap.ItemCount)
	assert.Equal(t, 1, snap.CompletedItems)
	require.Len(t, snap.ProcessedItems, 1)
	assert.LessOrEqual(t, snap.CompletedItems, snap.ItemCount)
	assert.Empty(t, snap.DeadLettered)
	assert.Equal(t, 3, env.seg.callCount())

	// Two rate limits doubled 15s to the 60s cap, the final success
	// stepped it back down by 5s.
	assert.Equal(t, 55*time.Second, env.sched.itemDelay)
}

func TestScheduler_BackoffDoublesToCapAndRelaxesToFloor(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})
	s := env.sched

	require.Equal(t, 15*time.Second, s.itemDelay)

	s.raiseDelay()
	assert.Equal(t, 30*time.Second, s.itemDelay)
	s.raiseDelay()
	assert.Equal(t, 60*time.Second, s.itemDelay)
	s.raiseDelay()
	assert.Equal(t, 60*time.Second, s.itemDelay, "delay must cap at max")

	for i := 0; i < 20; i++ {
		s.relaxDelay()
		assert.GreaterOrEqual(t, s.itemDelay, 10*time.Second, "delay must never drop below floor")
	}
	assert.Equal(t, 10*time.Second, s.itemDelay)
}

func TestScheduler_NoCredentialsDropsItemsSilently(t *testing.T) {
	env := newSchedEnv(t, Config{}, nil)

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(2))
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 0, snap.CompletedItems)
	assert.Equal(t, 2, snap.TotalItems)
	assert.Empty(t, snap.ProcessedItems)
	assert.Equal(t, 0, env.seg.callCount())
}

func TestScheduler_CacheHitConsumesNoCredential(t *testing.T) {
	// No credentials at all: a fresh cache hit must still produce a result.
	env := newSchedEnv(t, Config{}, nil)

	image := testImage()
	image.Fingerprint = cache.ImageFingerprint(image.Data)
	item := testItems(1)[0]

	cachedCrop := domain.CropRect{X1: 1, Y1: 2, X2: 3, Y2: 4}
	env.cache.Set(cache.Key(item, image.Fingerprint), cache.Payload{
		Mask: []byte("cached-mask"),
		Crop: cachedCrop,
	})

	jobID, err := env.sched.Submit("owner", domain.TierFree, image, []domain.Item{item})
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 1, snap.CompletedItems)
	require.Len(t, snap.ProcessedItems, 1)
	assert.Equal(t, []byte("cached-mask"), snap.ProcessedItems[0].Mask)
	assert.Equal(t, cachedCrop, snap.ProcessedItems[0].Crop)
	assert.Equal(t, 0, env.seg.callCount())
}

func TestScheduler_StaleCacheEntryIsRejectedByWrapper(t *testing.T) {
	env := newSchedEnv(t, Config{CacheTTL: time.Hour}, []string{"key-1"})

	image := testImage()
	image.Fingerprint = cache.ImageFingerprint(image.Data)
	item := testItems(1)[0]
	key := cache.Key(item, image.Fingerprint)

	env.cache.Set(key, cache.Payload{Mask: []byte("stale-mask")})

	// The raw cache happily returns an entry of any age.
	entry, ok := env.cache.Get(key)
	require.True(t, ok)

	// Make the entry older than the TTL from the scheduler's perspective.
	env.sched.now = func() time.Time { return entry.WrittenAt.Add(2 * time.Hour) }
	_, fresh := env.sched.freshCacheEntry(key)
	assert.False(t, fresh, "wrapper must reject entries older than TTL")

	// End to end the stale hit triggers a fresh segmentation call.
	jobID, err := env.sched.Submit("owner", domain.TierFree, image, []domain.Item{item})
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	require.Len(t, snap.ProcessedItems, 1)
	assert.NotEqual(t, []byte("stale-mask"), snap.ProcessedItems[0].Mask)
	assert.Equal(t, 1, env.seg.callCount())
}

func TestScheduler_TransportErrorDropsWithoutRetry(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})
	env.seg.errs = []error{domain.ErrNoMask, nil}

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(2))
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 1, snap.CompletedItems)
	assert.Equal(t, 2, snap.ItemCount, "dropped item must not be re-queued")
	require.Len(t, snap.ProcessedItems, 1)
	assert.Empty(t, snap.DeadLettered)
	assert.Equal(t, 2, env.seg.callCount())
}

func TestScheduler_DeadLetterAfterMaxRetries(t *testing.T) {
	env := newSchedEnv(t, Config{MaxItemRetries: 2}, []string{"key-1"})
	env.seg.errs = []error{
		domain.ErrRateLimited,
		domain.ErrRateLimited,
		domain.ErrRateLimited,
	}

	items := testItems(1)
	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), items)
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 0, snap.CompletedItems)
	// Original attempt plus two re-queues; the third rate limit
	// dead-letters instead of growing the sequence again.
	assert.Equal(t, 3, snap.ItemCount)
	require.Len(t, snap.DeadLettered, 1)
	assert.Equal(t, items[0].ItemID(), snap.DeadLettered[0])
	assert.Equal(t, 3, env.seg.callCount())
}

func TestScheduler_CancelSkipsRemainingItems(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	idCh := make(chan string, 1)
	env.seg.onCall = func(n int) {
		if n == 1 {
			require.NoError(t, env.sched.Cancel(<-idCh))
		}
	}

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(3))
	require.NoError(t, err)
	idCh <- jobID

	snap := waitStatus(t, env, jobID, domain.JobStatusCanceled)
	require.Eventually(t, func() bool {
		s, err := env.stores.Snapshot(jobID)
		return err == nil && s.CompletedItems == 1
	}, 2*time.Second, time.Millisecond)

	assert.NotNil(t, snap.CompletedAt)
	// The first item was already in flight when the cancel landed; the
	// remaining two are never attempted.
	require.Eventually(t, func() bool { return env.sched.idle() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, env.seg.callCount())
}

func TestScheduler_CancelTerminalJobFails(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(1))
	require.NoError(t, err)
	waitStatus(t, env, jobID, domain.JobStatusCompleted)

	err = env.sched.Cancel(jobID)
	require.ErrorIs(t, err, domain.ErrJobTerminal)

	err = env.sched.Cancel("no-such-job")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestScheduler_PanicMarksJobFailed(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})
	env.seg.onCall = func(n int) {
		panic("segmenter blew up")
	}

	jobID, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(3))
	require.NoError(t, err)

	snap := waitStatus(t, env, jobID, domain.JobStatusFailed)
	assert.Contains(t, snap.FailureReason, "segmenter blew up")
	assert.Equal(t, 0, snap.CompletedItems)
	assert.NotNil(t, snap.CompletedAt)
	// Remaining items are abandoned with the job.
	assert.Equal(t, 1, env.seg.callCount())
}

func TestScheduler_HigherPriorityJobProcessedFirst(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	gate := make(chan struct{})
	env.seg.onCall = func(n int) {
		if n == 1 {
			<-gate
		}
	}

	blockerImage := domain.ImageRef{Data: []byte("img-blocker"), Width: 100, Height: 100}
	freeImage := domain.ImageRef{Data: []byte("img-free"), Width: 100, Height: 100}
	premiumImage := domain.ImageRef{Data: []byte("img-premium"), Width: 100, Height: 100}

	blockerID, err := env.sched.Submit("owner", domain.TierFree, blockerImage, testItems(1))
	require.NoError(t, err)

	// While the loop is pinned inside the blocker's call, enqueue a free
	// job and then a premium one. The premium score must win the dequeue.
	freeID, err := env.sched.Submit("owner", domain.TierFree, freeImage, testItems(1))
	require.NoError(t, err)
	premiumID, err := env.sched.Submit("owner", domain.TierPremium, premiumImage, testItems(1))
	require.NoError(t, err)

	close(gate)

	waitStatus(t, env, blockerID, domain.JobStatusCompleted)
	waitStatus(t, env, freeID, domain.JobStatusCompleted)
	waitStatus(t, env, premiumID, domain.JobStatusCompleted)

	require.Equal(t, 3, env.seg.callCount())
	assert.Equal(t, []byte("img-blocker"), env.seg.call(0).image)
	assert.Equal(t, []byte("img-premium"), env.seg.call(1).image)
	assert.Equal(t, []byte("img-free"), env.seg.call(2).image)
}

func TestScheduler_LoopRestartsAfterDraining(t *testing.T) {
	env := newSchedEnv(t, Config{}, []string{"key-1"})

	first, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(1))
	require.NoError(t, err)
	waitStatus(t, env, first, domain.JobStatusCompleted)

	require.Eventually(t, func() bool { return env.sched.idle() }, 2*time.Second, time.Millisecond)

	// A later submission must start a fresh loop.
	second, err := env.sched.Submit("owner", domain.TierFree, testImage(), testItems(1))
	require.NoError(t, err)
	waitStatus(t, env, second, domain.JobStatusCompleted)
	assert.Equal(t, 2, env.seg.callCount())
}
