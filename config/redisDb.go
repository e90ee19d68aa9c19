package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis is optional. Every helper below is a no-op (or a miss) while no client is installed,
// so the summary cache, batch locks and rate limiting degrade instead of failing.
var (
	rdb    *redis.Client
	locker *redislock.Client
)

func init() {
	godotenv.Load()
}

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// SetRedisClient installs an already-connected client. nil disables caching and locks.
func SetRedisClient(c *redis.Client) {
	rdb = c
	if c == nil {
		locker = nil
		return
	}
	locker = redislock.New(c)
}

// GetRedisObject decodes a cached JSON value. A miss is (false, nil).
func GetRedisObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	val, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, data, exp).Err()
}

func RemoveRedisKey(ctx context.Context, keys ...string) error {
	if rdb == nil || len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}

// ObtainLock takes a short-lived distributed lock, retrying every 100ms for up to two seconds.
// Without Redis it returns (nil, nil); callers must still rely on their database guard.
func ObtainLock(ctx context.Context, key string, ttl time.Duration) (*redislock.Lock, error) {
	if locker == nil {
		return nil, nil
	}
	return locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
}

// ConnectRedisWithRetry dials REDIS_ADDRESS until it answers PING.
// main calls it after the listener is up and only when REDIS_ADDRESS is set.
func ConnectRedisWithRetry(ctx context.Context) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	for attempt := 1; ; attempt++ {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intFromEnv("REDIS_DB", 0),
			PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
		})
		err := client.Ping(ctx).Err()
		if err == nil {
			SetRedisClient(client)
			logg.WithFields(logrus.Fields{"attempt": attempt, "addr": addr}).Info("connected to redis")
			return
		}
		_ = client.Close()
		sleep := retryBackoff(attempt)
		logg.WithFields(logrus.Fields{
			"attempt": attempt,
			"addr":    addr,
			"retry":   sleep.String(),
		}).WithError(err).Warn("redis connect failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
