package repositories

import (
	"context"
	"time"

	"streamrtc/internal/core/ports"
	"streamrtc/internal/infrastructure/repositories/memory"
	redisrepo "streamrtc/internal/infrastructure/repositories/redis"
	"streamrtc/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the roster backend. Redis is used when enabled and
// reachable; otherwise every call gets an in-process roster.
type RepositoryFactory struct {
	shareRoster bool
	rosterTTL   time.Duration
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		shareRoster: cfg.Redis.ShareRoster,
		rosterTTL:   2 * cfg.Redis.LeaseTTL,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to redis, falling back to memory roster",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil || !factory.shareRoster {
		logger.Info("using memory participant roster")
	} else {
		logger.Info("using redis participant roster")
	}

	return factory
}

// RedisClient is nil when redis is disabled or unreachable.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateParticipantRepository(callCID string) ports.ParticipantRepository {
	if f.shareRoster && f.redisClient != nil {
		return redisrepo.NewRedisParticipantRepository(f.redisClient, callCID, f.rosterTTL)
	}
	return memory.NewMemoryParticipantRepository()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
