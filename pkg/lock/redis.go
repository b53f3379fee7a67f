package lock

import (
	"context"
	"sync"
	"time"

	"github.com/dimsync/dimsync/pkg/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "dimsync:lock:"
	pollInterval  = 200 * time.Millisecond
)

// releaseScript deletes the lock only if this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript pushes the expiry of a lock this holder still owns.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis serializes runs across processes with a SET NX PX lock. The lock
// expires after the TTL if its holder dies and is extended while held.
type Redis struct {
	client redisClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.SugaredLogger
}

func NewRedis(client redisClient, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = config.DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, poll: pollInterval, logger: logger}
}

// NewFromConfig picks the locker configured for an environment.
func NewFromConfig(cfg *config.LockConfig, logger *zap.SugaredLogger) (Locker, error) {
	if cfg.BackendName() != config.LockBackendRedis {
		return NewLocal(), nil
	}

	if cfg.Redis == nil {
		return nil, errors.New("redis lock backend requires redis settings")
	}

	ttl, err := cfg.Redis.LockTTL()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return NewRedis(client, cfg.Redis.Prefix, ttl, logger), nil
}

func (r *Redis) Acquire(ctx context.Context, name string) (Release, error) {
	key := r.prefix + name
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to acquire lock '%s'", name)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "gave up waiting for lock '%s'", name)
		case <-time.After(r.poll):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)

	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			close(stop)
			<-done

			// the run's context may already be cancelled, the lock must still go
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := r.client.Eval(ctx, releaseScript, []string{key}, token).Err(); rerr != nil {
				err = errors.Wrapf(rerr, "failed to release lock '%s'", name)
			}
		})
		return err
	}, nil
}

func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := r.client.Eval(ctx, extendScript, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.logger.Warnf("failed to extend lock '%s': %v", key, err)
			} else if n == 0 {
				r.logger.Warnf("lock '%s' was lost before the run finished", key)
			}
		}
	}
}
