package config

// Redis backs rate limiting, response caching and the asynq scheduler.
// When it is unreachable at startup the server degrades gracefully: the
// middlewares pass requests through and expiry runs on in-process tickers.

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

var redisDefaults = map[string]any{
	"REDIS_HOST":     "",
	"REDIS_PORT":     "",
	"REDIS_ADDR":     "localhost:6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,
	"REDIS_TLS":      "false",
}

// LoadRedisConfig reads the REDIS_* variables.  REDIS_HOST and REDIS_PORT
// together take precedence over REDIS_ADDR.
func LoadRedisConfig(v *viper.Viper) RedisConfig {
	addr := v.GetString("REDIS_ADDR")
	if host, port := v.GetString("REDIS_HOST"), v.GetString("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	tlsEnv := v.GetString("REDIS_TLS")
	return RedisConfig{
		Addr:     addr,
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		TLS:      strings.EqualFold(tlsEnv, "true") || tlsEnv == "1",
	}
}

// Options converts the config for go-redis; asynq accepts the same
// settings through its own option type.
func (c RedisConfig) Options() *redis.Options {
	var tlsConf *tls.Config
	if c.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &redis.Options{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		TLSConfig: tlsConf,
	}
}

// AsynqOpt converts the config for the asynq scheduler.
func (c RedisConfig) AsynqOpt() asynq.RedisClientOpt {
	o := c.Options()
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB, TLSConfig: o.TLSConfig}
}

// NewRedisClient connects and pings Redis.  It returns nil when the server
// cannot be reached so callers can disable the features that need it.
func NewRedisClient(c RedisConfig) *redis.Client {
	client := redis.NewClient(c.Options())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
