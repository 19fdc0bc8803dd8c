package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig 限流配置
type RateLimiterConfig struct {
	Every time.Duration // 补充一个令牌的间隔
	Burst int
	Idle  time.Duration // 超过该时长未访问的 key 被回收
}

// DefaultRateLimiterConfig DSR 请求默认：每用户每分钟 1 次，突发 5 次
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{Every: time.Minute, Burst: 5, Idle: 30 * time.Minute}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按 key 的令牌桶限流器
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.Mutex
	clients map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 30 * time.Minute
	}
	return &RateLimiter{cfg: cfg, clients: make(map[string]*limiterEntry), now: time.Now}
}

// Allow 检查 key 是否还有配额，顺带回收空闲 key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for k, e := range rl.clients {
		if now.Sub(e.lastSeen) > rl.cfg.Idle {
			delete(rl.clients, k)
		}
	}

	e, ok := rl.clients[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(rl.cfg.Every), rl.cfg.Burst)}
		rl.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// RateLimitByUser 按用户限流，未认证时按客户端 IP
func RateLimitByUser(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("user_id")
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(c.FullPath() + ":" + key) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"code":    "RATE_LIMIT_EXCEEDED",
				"message": "请求过于频繁，请稍后重试",
			})
			return
		}
		c.Next()
	}
}
