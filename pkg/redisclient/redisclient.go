package redisclient

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/invoicecore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// New returns the shared redis client, or nil when no component is
// configured to use redis.
func New(p Params) *redis.Client {
	if !p.Config.UsesRedis() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.Config.RedisAddr,
		Password: p.Config.RedisPassword,
		DB:       p.Config.RedisDB,
	})
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	p.Log.Info("redis configured", zap.String("addr", p.Config.RedisAddr), zap.Int("db", p.Config.RedisDB))
	return client
}
