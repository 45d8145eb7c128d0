package sequence

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/invoicecore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("invoice.sequence",
	fx.Provide(NewCounter),
	fx.Provide(NewNumberer),
)

type CounterParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewCounter selects the counter backend from SEQUENCE_BACKEND.
func NewCounter(p CounterParams) (Counter, error) {
	if p.Config.SequenceBackend != config.SequenceBackendRedis {
		p.Log.Info("invoice sequence backend", zap.String("backend", BackendDatabase))
		return NewDatabaseCounter(), nil
	}
	if p.Redis == nil {
		return nil, errors.New("redis sequence backend requires a redis client")
	}

	p.Log.Info("invoice sequence backend", zap.String("backend", BackendRedis))
	return NewRedisCounter(p.Redis), nil
}
