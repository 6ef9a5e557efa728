package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet hands out one command rate limiter per client key.
type limiterSet struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{limit: limit, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.m[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.m[key] = l
	}
	return l
}

func (s *limiterSet) fresh() *rate.Limiter {
	return rate.NewLimiter(s.limit, s.burst)
}
