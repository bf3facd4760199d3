package authz

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPerMinute = 10

	maxIdleBuckets = 1024
	bucketIdle     = time.Hour
)

// Limiter is a token bucket per client.
type Limiter struct {
	mx      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLimiter allows perMinute submissions per client on average with
// bursts up to burst.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute < 1 {
		perMinute = defaultPerMinute
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token of client's bucket.
func (l *Limiter) Allow(client string) bool {
	now := time.Now()
	l.mx.Lock()
	defer l.mx.Unlock()

	b, ok := l.buckets[client]
	if !ok {
		if len(l.buckets) >= maxIdleBuckets {
			l.prune(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (l *Limiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > bucketIdle {
			delete(l.buckets, k)
		}
	}
}
