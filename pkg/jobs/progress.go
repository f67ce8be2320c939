package jobs

import (
	"sync"
	"time"
)

// Update is a single progress publication for a running job.
type Update struct {
	JobID    string    `json:"job_id"`
	Progress int       `json:"progress"`
	Hint     string    `json:"hint,omitempty"`
	At       time.Time `json:"at"`
}

// Reporter is the in-process publish point for job progress.
//
// Workers publish fire-and-forget; consumers subscribe per job ID. A late
// subscriber receives the last known value plus subsequent updates, never
// history. Slow consumers are coalesced to the latest value; publishing
// never blocks a worker.
type Reporter struct {
	mu   sync.RWMutex
	last map[string]Update
	subs map[string]map[chan Update]struct{}
}

// NewReporter creates an empty progress reporter.
func NewReporter() *Reporter {
	return &Reporter{
		last: make(map[string]Update),
		subs: make(map[string]map[chan Update]struct{}),
	}
}

// Publish records the latest update for a job and fans it out to
// subscribers without blocking.
func (r *Reporter) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now()
	}

	r.mu.Lock()
	r.last[u.JobID] = u
	subs := r.subs[u.JobID]
	for ch := range subs {
		coalesce(ch, u)
	}
	r.mu.Unlock()
}

// Latest returns the last published update for a job, if any.
func (r *Reporter) Latest(jobID string) (Update, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.last[jobID]
	return u, ok
}

// Subscribe registers a consumer for a job's updates. The returned channel
// immediately carries the last known value when one exists. The cancel
// function must be called when the consumer is done.
func (r *Reporter) Subscribe(jobID string) (<-chan Update, func()) {
	ch := make(chan Update, 1)

	r.mu.Lock()
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[chan Update]struct{})
	}
	r.subs[jobID][ch] = struct{}{}
	if u, ok := r.last[jobID]; ok {
		ch <- u
	}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if subs, ok := r.subs[jobID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(r.subs, jobID)
			}
		}
		r.mu.Unlock()
	}

	return ch, cancel
}

// Forget drops the retained value for a job. Called when the job record is
// deleted.
func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	delete(r.last, jobID)
	r.mu.Unlock()
}

// coalesce delivers u to ch, replacing a pending value instead of blocking.
func coalesce(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}
