package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ngoyal88/recordreplay/pkg/cache"
	"github.com/ngoyal88/recordreplay/pkg/config"
)

const rateLimitKey = "recorder:ratelimit:global"

// NewRateLimiter creates a middleware that limits requests using the live
// ratelimit settings in cfgStore. With a Redis client the limit is shared
// by every instance; without one each process limits on its own.
func NewRateLimiter(rdb *cache.Client, cfgStore *config.Store, log *zap.Logger) func(http.Handler) http.Handler {
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}
	local := &localLimiter{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := cfgStore.Get()
			if cfg == nil || !cfg.RateLimit.Enabled || cfg.RateLimit.RPS <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			rl := cfg.RateLimit

			if distributed != nil {
				res, err := distributed.Allow(r.Context(), rateLimitKey, redisLimit(rl))
				if err == nil {
					if res.Allowed == 0 {
						tooMany(w, res.RetryAfter)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				// Redis trouble degrades to the local limiter instead of failing requests.
				log.Warn("distributed rate limit unavailable", zap.Error(err))
			}

			if !local.allow(rl) {
				tooMany(w, time.Second)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func burstOf(rl config.RateLimitConfig) int {
	if rl.Burst > 0 {
		return rl.Burst
	}
	return max(int(rl.RPS), 1)
}

// redisLimit expresses rl with an integer rate. Fractional per-second
// rates are stretched to a per-minute or per-hour period.
func redisLimit(rl config.RateLimitConfig) redis_rate.Limit {
	perPeriod, period := rl.RPS, time.Second
	if perPeriod != math.Trunc(perPeriod) {
		perPeriod, period = perPeriod*60, time.Minute
	}
	if perPeriod < 1 {
		perPeriod, period = perPeriod*60, time.Hour
	}
	return redis_rate.Limit{
		Rate:   max(int(math.Round(perPeriod)), 1),
		Burst:  burstOf(rl),
		Period: period,
	}
}

// localLimiter rebuilds its token bucket when the configured limit changes.
type localLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitConfig
	limiter *rate.Limiter
}

func (l *localLimiter) allow(rl config.RateLimitConfig) bool {
	l.mu.Lock()
	if l.limiter == nil || l.cfg != rl {
		l.limiter = rate.NewLimiter(rate.Limit(rl.RPS), burstOf(rl))
		l.cfg = rl
	}
	lim := l.limiter
	l.mu.Unlock()
	return lim.Allow()
}

func tooMany(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}
