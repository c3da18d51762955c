package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// requestLimiter counts requests per key in fixed windows. It guards ingest
// per kit serial and WebSocket upgrades per client address.
type requestLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]requestWindow
}

type requestWindow struct {
	start time.Time
	count int
}

func newRequestLimiter(limit int, window time.Duration) *requestLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &requestLimiter{
		limit:    limit,
		window:   window,
		counters: map[string]requestWindow{},
	}
}

// take consumes one request for key. When the window is exhausted it reports
// how long until the next window opens.
func (limiter *requestLimiter) take(key string, now time.Time) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	counter := limiter.counters[key]
	if counter.start.IsZero() || now.Sub(counter.start) >= limiter.window {
		counter = requestWindow{start: now}
	}

	if counter.count >= limiter.limit {
		limiter.counters[key] = counter
		return false, counter.start.Add(limiter.window).Sub(now)
	}

	counter.count++
	limiter.counters[key] = counter
	limiter.prune(now)
	return true, 0
}

func (limiter *requestLimiter) prune(now time.Time) {
	if len(limiter.counters) < 512 {
		return
	}

	expiry := limiter.window * 3
	for key, counter := range limiter.counters {
		if now.Sub(counter.start) > expiry {
			delete(limiter.counters, key)
		}
	}
}

// rejectRateLimited writes a 429 with a Retry-After header rounded up to whole
// seconds.
func rejectRateLimited(response http.ResponseWriter, retryAfter time.Duration, message string) {
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	response.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(response, http.StatusTooManyRequests, message)
}

func clientIdentity(request *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		forwardedFor := strings.TrimSpace(request.Header.Get("X-Forwarded-For"))
		if forwardedFor != "" {
			firstHop, _, _ := strings.Cut(forwardedFor, ",")
			if ip := strings.TrimSpace(firstHop); ip != "" {
				return ip
			}
		}

		realIP := strings.TrimSpace(request.Header.Get("X-Real-IP"))
		if realIP != "" {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(request.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(request.RemoteAddr)
}
