package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const priceKeyTTL = 30 * time.Second

// RedisMirror fans live prices out to Redis so external consumers can read
// them without touching the engine. Redis being down only costs the mirror;
// the in-process cache keeps serving the loop.
type RedisMirror struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisMirror creates the price mirror
func NewRedisMirror(client *redis.Client, logger zerolog.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

func priceKey(instrument string) string {
	return fmt.Sprintf("price:%s", instrument)
}

// Publish writes one price with a short TTL. Stale keys age out on their
// own if the stream dies.
func (m *RedisMirror) Publish(instrument string, price float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := priceKey(instrument)
	if err := m.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), priceKeyTTL).Err(); err != nil {
		m.logger.Debug().Err(err).Str("instrument", instrument).Msg("price mirror write failed")
	}
}

// Get reads a mirrored price, for consumers outside the engine process
func (m *RedisMirror) Get(ctx context.Context, instrument string) (float64, error) {
	val, err := m.client.Get(ctx, priceKey(instrument)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}
