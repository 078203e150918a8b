package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a job's limiter may sit unused before it is pruned.
const limiterIdle = 10 * time.Minute

type jobLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// tickLimiter holds one token bucket per job so a runaway worker on one job
// cannot starve the others.
type tickLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	jobs      map[string]*jobLimiter
	lastPrune time.Time
}

func newTickLimiter(limit rate.Limit, burst int) *tickLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &tickLimiter{
		limit: limit,
		burst: burst,
		now:   time.Now,
		jobs:  make(map[string]*jobLimiter),
	}
}

// Allow reports whether another tick on jobID may run now.
func (t *tickLimiter) Allow(jobID string) bool {
	if t.limit <= 0 {
		return true
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastPrune) > limiterIdle {
		for id, jl := range t.jobs {
			if now.Sub(jl.lastSeen) > limiterIdle {
				delete(t.jobs, id)
			}
		}
		t.lastPrune = now
	}

	jl, ok := t.jobs[jobID]
	if !ok {
		jl = &jobLimiter{lim: rate.NewLimiter(t.limit, t.burst)}
		t.jobs[jobID] = jl
	}
	jl.lastSeen = now
	return jl.lim.AllowN(now, 1)
}

// Len returns the number of tracked jobs.
func (t *tickLimiter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}
