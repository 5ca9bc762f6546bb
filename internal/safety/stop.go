// Package safety implements the hard gates every approved entry must clear.
// Gate checks run in fixed order and any failure blocks the entry; gates
// never block exit management of trades that are already open.
package safety

import (
	"context"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const stopFlagKey = "safety:emergency_stop"

// StopSwitch is the operator kill switch for new entries. It trips when the
// stop file exists on disk, when the shared Redis flag is set, or when it
// has been engaged in process. Redis being down never disables the switch;
// the file and in-memory state still apply.
type StopSwitch struct {
	filePath string
	redis    *redis.Client
	logger   zerolog.Logger

	mu      sync.RWMutex
	engaged bool
}

// NewStopSwitch creates the emergency stop switch. redisClient may be nil
// when Redis is disabled.
func NewStopSwitch(filePath string, redisClient *redis.Client, logger zerolog.Logger) *StopSwitch {
	return &StopSwitch{
		filePath: filePath,
		redis:    redisClient,
		logger:   logger,
	}
}

// Engaged reports whether the kill switch is active, with the source
func (s *StopSwitch) Engaged(ctx context.Context) (bool, string) {
	s.mu.RLock()
	manual := s.engaged
	s.mu.RUnlock()
	if manual {
		return true, "emergency stop engaged by operator"
	}

	if s.filePath != "" {
		if _, err := os.Stat(s.filePath); err == nil {
			return true, "emergency stop file present"
		}
	}

	if s.redis != nil {
		val, err := s.redis.Get(ctx, stopFlagKey).Result()
		if err == nil && val == "1" {
			return true, "emergency stop flag set in redis"
		}
		if err != nil && err != redis.Nil {
			s.logger.Warn().Err(err).Msg("redis stop flag check failed, relying on file and local state")
		}
	}

	return false, ""
}

// Engage trips the switch in process and mirrors to Redis when available
func (s *StopSwitch) Engage(ctx context.Context) {
	s.mu.Lock()
	s.engaged = true
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Set(ctx, stopFlagKey, "1", 0).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to mirror emergency stop to redis")
		}
	}
	s.logger.Error().Msg("emergency stop engaged")
}

// Release clears the in-process and Redis flags. The stop file, if present,
// must be removed by the operator.
func (s *StopSwitch) Release(ctx context.Context) {
	s.mu.Lock()
	s.engaged = false
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Del(ctx, stopFlagKey).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear emergency stop in redis")
		}
	}
	s.logger.Info().Msg("emergency stop released")
}
