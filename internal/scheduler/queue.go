package scheduler

import (
	"time"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// Priority score weights. Fewer items grants a throughput bonus so small
// jobs clear the queue quickly.
const (
	tierWeightPremium = 10000
	tierWeightHobby   = 5000
	tierWeightFree    = 0

	aggregateValueCap = 1000
	itemCountBonus    = 100
	itemCountBase     = 10
)

type queueEntry struct {
	job   *domain.Job
	score float64
}

// PriorityQueue orders pending jobs by a score computed once, at insertion.
//
// Scores are NOT re-evaluated while a job waits: relative priority is frozen
// at arrival time. The wait-time term therefore only differentiates jobs
// that were created earlier than they were enqueued, not jobs aging in the
// queue. This is a known limitation, not aging-based starvation avoidance;
// a starvation-free design would need a periodically re-scored queue.
type PriorityQueue struct {
	entries []queueEntry
	now     func() time.Time
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{now: time.Now}
}

// Add scores the job and inserts it keeping the queue sorted descending.
// Among equal scores, earlier insertions stay in front (FIFO for ties).
func (q *PriorityQueue) Add(job *domain.Job) {
	score := q.score(job)

	idx := len(q.entries)
	for i, e := range q.entries {
		if e.score < score {
			idx = i
			break
		}
	}

	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = queueEntry{job: job, score: score}
}

// RemoveHighest returns and removes the front entry, or nil when empty.
func (q *PriorityQueue) RemoveHighest() *domain.Job {
	if len(q.entries) == 0 {
		return nil
	}
	job := q.entries[0].job
	q.entries = q.entries[1:]
	return job
}

// Size returns the number of queued jobs.
func (q *PriorityQueue) Size() int {
	return len(q.entries)
}

func (q *PriorityQueue) score(job *domain.Job) float64 {
	wait := q.now().Sub(job.CreatedAt).Seconds()

	value := job.AggregateValue
	if value > aggregateValueCap {
		value = aggregateValueCap
	}

	return tierWeight(job.Tier) +
		value +
		wait +
		float64(itemCountBase-len(job.Items))*itemCountBonus
}

func tierWeight(tier domain.Tier) float64 {
	switch tier {
	case domain.TierPremium:
		return tierWeightPremium
	case domain.TierHobby:
		return tierWeightHobby
	default:
		return tierWeightFree
	}
}
