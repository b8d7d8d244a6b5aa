package storage

import (
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/brocaar/chirpstack-network-server/internal/config"
)

var (
	redisPool        *redis.Pool
	deviceSessionTTL time.Duration
)

// Setup configures the redis pool and the sqlx database pool from conf. It
// must be called once, before any other storage function, matching every
// package's `Setup(conf)` convention.
func Setup(conf config.Config) error {
	redisPool = &redis.Pool{
		MaxIdle:     conf.Redis.MaxIdle,
		MaxActive:   conf.Redis.MaxActive,
		IdleTimeout: conf.Redis.IdleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(conf.Redis.URL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	deviceSessionTTL = conf.NetworkServer.DeviceSessionTTL

	return setupDB(conf)
}

// RedisPool returns the configured redis pool.
func RedisPool() *redis.Pool {
	return redisPool
}
