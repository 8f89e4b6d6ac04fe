package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	cerrors "cockpit/internal/errors"
)

// Bucket categories. Each category keeps an independent per-source limiter.
type Bucket string

const (
	BucketLogin              Bucket = "login"
	BucketGeneral            Bucket = "general"
	BucketStrict             Bucket = "strict"
	BucketOrchestratorCreate Bucket = "orchestrator-create"
)

type bucketSpec struct {
	window time.Duration
	max    int
}

var bucketSpecs = map[Bucket]bucketSpec{
	BucketLogin:              {window: 15 * time.Minute, max: 5},
	BucketGeneral:            {window: time.Minute, max: 200},
	BucketStrict:             {window: time.Minute, max: 10},
	BucketOrchestratorCreate: {window: time.Minute, max: 10},
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps categorized token buckets keyed by source address. Stale
// entries are swept opportunistically.
type RateLimiter struct {
	mu          sync.Mutex
	entries     map[Bucket]map[string]*limiterEntry
	entryTTL    time.Duration
	lastCleanup time.Time
}

// NewRateLimiter creates the categorized limiter set.
func NewRateLimiter() *RateLimiter {
	entries := make(map[Bucket]map[string]*limiterEntry, len(bucketSpecs))
	for bucket := range bucketSpecs {
		entries[bucket] = make(map[string]*limiterEntry)
	}
	return &RateLimiter{
		entries:     entries,
		entryTTL:    30 * time.Minute,
		lastCleanup: time.Now(),
	}
}

// Allow consumes one token from the bucket for source. On exhaustion it
// returns a RateLimited error carrying the time until the next token.
func (rl *RateLimiter) Allow(bucket Bucket, source string) error {
	spec, ok := bucketSpecs[bucket]
	if !ok {
		return cerrors.New(cerrors.Internal, "unknown rate bucket %q", bucket)
	}

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastCleanup) >= 5*time.Minute {
		for _, perSource := range rl.entries {
			for key, entry := range perSource {
				if now.Sub(entry.lastSeen) > rl.entryTTL {
					delete(perSource, key)
				}
			}
		}
		rl.lastCleanup = now
	}

	perSource := rl.entries[bucket]
	entry, ok := perSource[source]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(spec.window/time.Duration(spec.max)), spec.max),
		}
		perSource[source] = entry
	}
	entry.lastSeen = now

	res := entry.limiter.Reserve()
	if !res.OK() {
		return cerrors.New(cerrors.RateLimited, "rate limit exceeded for %s", bucket)
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return cerrors.New(cerrors.RateLimited, "rate limit exceeded for %s, retry in %s", bucket, delay.Round(time.Second))
	}
	return nil
}
