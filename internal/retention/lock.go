package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPurgeInProgress 已有清理任务在运行
var ErrPurgeInProgress = errors.New("数据清理任务正在运行")

// RunLock 清理任务互斥锁，锁已被持有时返回 ErrPurgeInProgress
type RunLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLock 进程内互斥（单实例部署或测试）
type LocalLock struct {
	mu sync.Mutex
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Acquire(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrPurgeInProgress
	}
	return l.mu.Unlock, nil
}

const defaultLockKey = "visioncrm:retention:purge:lock"

// 仅当值仍是自己的令牌时才删除，避免误删过期后被他人重新获取的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 基于 Redis SET NX PX 的分布式锁，多实例部署时保证只有一个清理任务运行
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLock 创建分布式锁，ttl 应大于一次清理的最长耗时
func NewRedisLock(client redis.UniversalClient, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{client: client, key: defaultLockKey, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取清理锁失败: %w", err)
	}
	if !ok {
		return nil, ErrPurgeInProgress
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}
	return release, nil
}
