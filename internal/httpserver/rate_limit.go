package httpserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"GoVoiceBridge/internal/config"
)

// 超过该时长未出现的客户端会被清理
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按客户端IP限流
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*limiterEntry
	every  rate.Limit
	burst  int
	now    func() time.Time
	sweep  time.Time
}

// NewRateLimiter 创建限流器；PerSecond 非正数时不限流
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.InitiateBurst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limits: make(map[string]*limiterEntry),
		every:  rate.Limit(cfg.InitiatePerSecond),
		burst:  burst,
		now:    time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.sweep) > limiterIdleTTL {
		for k, e := range rl.limits {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(rl.limits, k)
			}
		}
		rl.sweep = now
	}

	if e, ok := rl.limits[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	e := &limiterEntry{limiter: rate.NewLimiter(rl.every, rl.burst), lastSeen: now}
	rl.limits[key] = e
	return e.limiter
}

// Allow 检查该客户端是否还有配额
func (rl *RateLimiter) Allow(key string) bool {
	if rl.every <= 0 {
		return true
	}
	return rl.getLimiter(key).AllowN(rl.now(), 1)
}

// Middleware 超出配额时返回 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:   "rate limited",
				Details: "too many call requests, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
