package cache

import (
	"context"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"

	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

// Connect dials redis and pings it once.
func Connect(ctx context.Context, cred *config.DBCredential) (*redis.Client, error) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	cli := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       int(db),
	})
	if _, err := cli.Ping(ctx).Result(); err != nil {
		_ = cli.Close()
		return nil, errors.Wrap(err, "ping to redis")
	}
	log.Infof("Connected to redis %v...", cred.GetRedisAddress())
	return cli, nil
}

// NewRateLimiter returns a GCRA limiter sharing the session redis.
func NewRateLimiter(cli *redis.Client) *redis_rate.Limiter {
	return redis_rate.NewLimiter(cli)
}
