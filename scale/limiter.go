package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrLimitExceeded is returned when a key has reached its concurrency limit.
var ErrLimitExceeded = errors.New("concurrency limit exceeded")

// KeyedLimiter bounds the number of concurrent operations per key. Every key
// gets its own slots, sized by the default unless SetLimit overrides it.
type KeyedLimiter struct {
	defaultMax int
	mu         sync.Mutex
	limits     map[string]*keyLimit
}

type keyLimit struct {
	max       int
	semaphore chan struct{}
	active    atomic.Int64
	rejected  atomic.Int64
}

// LimiterStats holds current usage statistics for a key.
type LimiterStats struct {
	Key           string `json:"key"`
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"maxConcurrent"`
	Rejected      int64  `json:"rejected"`
}

// NewKeyedLimiter creates a limiter allowing defaultMax concurrent operations
// per key. Values below 1 mean 1.
func NewKeyedLimiter(defaultMax int) *KeyedLimiter {
	if defaultMax < 1 {
		defaultMax = 1
	}
	return &KeyedLimiter{defaultMax: defaultMax, limits: make(map[string]*keyLimit)}
}

func (l *KeyedLimiter) limit(key string) *keyLimit {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.limits[key]
	if !ok {
		kl = newKeyLimit(l.defaultMax)
		l.limits[key] = kl
	}
	return kl
}

func newKeyLimit(max int) *keyLimit {
	return &keyLimit{max: max, semaphore: make(chan struct{}, max)}
}

func (kl *keyLimit) releaser() func() {
	kl.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.semaphore
			kl.active.Add(-1)
		})
	}
}

// Acquire takes a slot for key without blocking. On success the returned
// release function must be called when the operation completes.
func (l *KeyedLimiter) Acquire(key string) (func(), error) {
	kl := l.limit(key)
	select {
	case kl.semaphore <- struct{}{}:
		return kl.releaser(), nil
	default:
		kl.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrLimitExceeded, key)
	}
}

// AcquireWait takes a slot for key, blocking until one is free or ctx is
// done.
func (l *KeyedLimiter) AcquireWait(ctx context.Context, key string) (func(), error) {
	kl := l.limit(key)
	select {
	case kl.semaphore <- struct{}{}:
		return kl.releaser(), nil
	case <-ctx.Done():
		kl.rejected.Add(1)
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
}

// SetLimit sets the limit of key. Operations holding a slot of the previous
// limit release into it, so the new limit applies to new acquisitions only.
func (l *KeyedLimiter) SetLimit(key string, max int) {
	if max < 1 {
		max = l.defaultMax
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := newKeyLimit(max)
	if prev, ok := l.limits[key]; ok {
		next.rejected.Store(prev.rejected.Load())
	}
	l.limits[key] = next
}

// Stats returns usage statistics for every key seen so far.
func (l *KeyedLimiter) Stats() map[string]LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := make(map[string]LimiterStats, len(l.limits))
	for key, kl := range l.limits {
		stats[key] = LimiterStats{
			Key:           key,
			Active:        int(kl.active.Load()),
			MaxConcurrent: kl.max,
			Rejected:      kl.rejected.Load(),
		}
	}
	return stats
}
