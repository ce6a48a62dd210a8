package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ipsframework/ipsportal/pkg/config"
	"golang.org/x/time/rate"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters hands out one token bucket per client address. Idle
// buckets are evicted until done is closed.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	done     chan struct{}
}

func newClientLimiters(tier config.RateLimitTier) *clientLimiters {
	cl := &clientLimiters{
		limiters: make(map[string]*clientLimiter, 64),
		limit:    rate.Limit(float64(tier.RequestsPerMinute) / 60.0),
		burst:    tier.RequestsPerMinute,
		done:     make(chan struct{}),
	}

	go cl.evictIdle()

	return cl
}

func (cl *clientLimiters) get(client string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()

	entry, ok := cl.limiters[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.limiters[client] = entry
	}

	entry.lastSeen = now

	return entry.limiter
}

func (cl *clientLimiters) evictIdle() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
		}

		cl.mu.Lock()

		for client, entry := range cl.limiters {
			if time.Since(entry.lastSeen) > rateLimitEntryTTL {
				delete(cl.limiters, client)
			}
		}

		cl.mu.Unlock()
	}
}

func (cl *clientLimiters) close() {
	close(cl.done)
}

// rateLimitMiddleware returns a per-client rate limiting middleware for
// the given tier.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	limiters := newClientLimiters(tier)

	s.limitersMu.Lock()
	s.limiters = append(s.limiters, limiters)
	s.limitersMu.Unlock()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(extractIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests,
					messageResponse{"Rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// stopRateLimiters ends the eviction loops of every tier.
func (s *server) stopRateLimiters() {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	for _, l := range s.limiters {
		l.close()
	}

	s.limiters = nil
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Reverse proxies put the original client first in X-Forwarded-For.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
