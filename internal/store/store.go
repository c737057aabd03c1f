package store

import (
	"sync"
	"time"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// Stores owns the in-memory job and processed-item records. It is
// constructed once at startup and injected into the scheduler and the HTTP
// handlers; nothing in the process holds job state outside of it.
//
// The processing loop is the only writer, but status reads arrive on HTTP
// goroutines, so every mutation goes through UpdateJob under the write lock
// and readers take consistent snapshots under the read lock. Jobs are never
// deleted; they are retained for status queries.
type Stores struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	items map[string][]*domain.ProcessedItem
}

// New creates empty stores.
func New() *Stores {
	return &Stores{
		jobs:  make(map[string]*domain.Job),
		items: make(map[string][]*domain.ProcessedItem),
	}
}

// PutJob registers a newly submitted job.
func (s *Stores) PutJob(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
}

// UpdateJob applies fn to the job under the write lock. Returns
// domain.ErrJobNotFound for unknown ids.
func (s *Stores) UpdateJob(jobID string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	fn(job)
	return nil
}

// AppendItem records one processed-item result. ProcessedItems are
// immutable once appended.
func (s *Stores) AppendItem(item *domain.ProcessedItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.JobID] = append(s.items[item.JobID], item)
}

// JobStatus returns just the current status of a job. Cheaper than a full
// Snapshot when the caller only needs the state machine position.
func (s *Stores) JobStatus(jobID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return job.Status, nil
}

// JobSnapshot is a consistent read-only copy of a job and its results.
type JobSnapshot struct {
	JobID          string
	OwnerID        string
	Tier           domain.Tier
	Status         string
	CompletedItems int
	TotalItems     int
	ItemCount      int
	AggregateValue float64
	FailureReason  string
	DeadLettered   []string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ProcessedItems []domain.ProcessedItem
}

// Snapshot returns a copy of the job's observable state. The copy is safe
// to read after the lock is released even while the loop keeps mutating the
// live record.
func (s *Stores) Snapshot(jobID string) (*JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	snap := &JobSnapshot{
		JobID:          job.JobID,
		OwnerID:        job.OwnerID,
		Tier:           job.Tier,
		Status:         job.Status,
		CompletedItems: job.CompletedItems,
		TotalItems:     job.TotalItems,
		ItemCount:      len(job.Items),
		AggregateValue: job.AggregateValue,
		FailureReason:  job.FailureReason,
		CreatedAt:      job.CreatedAt,
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		snap.CompletedAt = &completed
	}
	snap.DeadLettered = append(snap.DeadLettered, job.DeadLettered...)

	for _, it := range s.items[jobID] {
		snap.ProcessedItems = append(snap.ProcessedItems, *it)
	}

	return snap, nil
}
