package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

// NewRedisClient parses cfg.URL, applies the password and DB overrides and
// pings the server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore keeps each thread's JSON snapshot under <prefix>checkpoint:<thread>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps checkpoints until deleted.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(threadID string) string {
	return r.prefix + "checkpoint:" + threadID
}

func (r *RedisStore) Load(ctx context.Context, threadID string) (*domain.State, error) {
	data, err := r.client.Get(ctx, r.key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("RedisStore.Load", threadID)
	}
	if err != nil {
		return nil, storeErr("RedisStore.Load", err)
	}
	return decode("RedisStore.Load", data)
}

func (r *RedisStore) Save(ctx context.Context, s *domain.State) error {
	data, err := encode("RedisStore.Save", s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(s.ThreadID), data, r.ttl).Err(); err != nil {
		return storeErr("RedisStore.Save", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := r.client.Del(ctx, r.key(threadID)).Err(); err != nil {
		return storeErr("RedisStore.Delete", err)
	}
	return nil
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a distributed ThreadLocker. A lock is a SETNX key carrying a
// random owner token. The holder renews it every ttl/3 until release, so it
// only expires when the holder dies.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker storing keys under <prefix>lock:<thread>.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *RedisLocker) key(threadID string) string {
	return l.prefix + "lock:" + threadID
}

// TryLock acquires the thread lock without waiting.
func (l *RedisLocker) TryLock(ctx context.Context, threadID string) (func(), bool, error) {
	key := l.key(threadID)
	token := domain.NewID()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire thread lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	l.logger.Debug("thread lock acquired", "thread_id", threadID)

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(key, token, threadID, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-renewed

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			l.logger.Warn("thread lock release failed", "thread_id", threadID, "error", err)
			return
		}
		if n == 0 {
			l.logger.Warn("thread lock expired before release", "thread_id", threadID)
		}
	}, true, nil
}

// renew keeps key alive until stop closes or the lock is lost.
func (l *RedisLocker) renew(key, token, threadID string, stop <-chan struct{}) {
	interval := max(l.ttl/3, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("thread lock renewal failed", "thread_id", threadID, "error", err)
			continue
		}
		if n == 0 {
			l.logger.Warn("thread lock lost before release", "thread_id", threadID)
			return
		}
	}
}
