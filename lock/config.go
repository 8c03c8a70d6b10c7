package lock

import (
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/config"
)

// FromConfig returns a RedisLocker when cfg.RedisAddr is set and a
// KeyedMutex otherwise. closeFn releases the Redis client, if any.
func FromConfig(cfg config.Config, logger logrus.FieldLogger) (l Locker, closeFn func() error) {
	if cfg.RedisAddr == "" {
		return NewKeyedMutex(), func() error { return nil }
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.WithFields(logrus.Fields{
		"module":     "lock",
		"redis_addr": cfg.RedisAddr,
	}).Info("using redis locks")
	return NewRedisLocker(rdb, cfg.LockTTL, logger), rdb.Close
}
