package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis 分布式锁
//
// 加锁：SET key value NX PX timeout
//   - NX: 只有 key 不存在时才设置，保证互斥
//   - PX: 过期时间，持有者崩溃后锁自动释放
//   - value: 持有者标识，释放时校验，不会误删别人的锁
//
// 续期：同样先比较 value，再 PEXPIRE。
// 释放：Lua 脚本里先比较 value 再删除，检查和删除是原子的。

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// Expiration 每次加锁或续期设置的过期时间
func (l *DistributedLock) Expiration() time.Duration {
	return l.expiration
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Refresh 延长过期时间，锁已不属于自己时返回 ErrLockExpired
func (l *DistributedLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockExpired
	}
	return nil
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NewProvisionLock 开卡锁
//
// 按卡片规模加锁：两个压测进程同时对同一批 PAN 开卡会互相撞上重复插入，
// 持有锁期间另一方等待，拿到锁后看到的是已经开好的卡。
// owner 用于追踪是哪个进程持有锁。
func NewProvisionLock(client *redis.Client, cardCount int, owner string) *DistributedLock {
	key := fmt.Sprintf("cardledger:lock:provision:%d", cardCount)
	return NewDistributedLock(client, key, owner, 10*time.Minute)
}
