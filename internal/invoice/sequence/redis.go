package sequence

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const redisSequenceKey = "invoicecore:invoice_sequences"

type redisCounter struct {
	client redis.Cmdable
	key    string
}

// NewRedisCounter returns a counter backed by a redis hash keyed by year.
// HINCRBY is atomic across processes but does not join the database
// transaction: a number taken by a failed creation is not reused.
func NewRedisCounter(client redis.Cmdable) Counter {
	return &redisCounter{client: client, key: redisSequenceKey}
}

func (c *redisCounter) Backend() string { return BackendRedis }

func (c *redisCounter) Next(ctx context.Context, _ *gorm.DB, year int) (int64, error) {
	if !validYear(year) {
		return 0, &StorageError{Backend: BackendRedis, Year: year, Err: ErrInvalidYear}
	}

	value, err := c.client.HIncrBy(ctx, c.key, strconv.Itoa(year), 1).Result()
	if err != nil {
		return 0, &StorageError{Backend: BackendRedis, Year: year, Err: err}
	}
	if value <= 0 {
		return 0, &StorageError{Backend: BackendRedis, Year: year, Err: ErrNoValue}
	}
	return value, nil
}
