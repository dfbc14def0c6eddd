package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-trading-bot/internal/monitor"
)

// Redis key layout for the monitor state mirror.
const (
	// MonitorKeyPrefix is the prefix for individual monitor keys.
	// Format: tpsl:monitor:{SYMBOL_Side_account}
	MonitorKeyPrefix = "tpsl:monitor"

	// MonitorListKey holds the set of mirrored monitor keys.
	MonitorListKey = "tpsl:monitors:list"

	// MonitorStateTTL bounds how long stale mirror entries survive a
	// process that stopped cleaning up after itself.
	MonitorStateTTL = 7 * 24 * time.Hour
)

// RedisStateMirror keeps a best-effort copy of live monitor state in Redis
// so a standby process can inspect it. When Redis is unavailable it falls
// back to an in-memory cache; mirror failures never surface to the caller
// because the snapshot file remains the source of truth.
type RedisStateMirror struct {
	client         *redis.Client
	cache          map[string]*monitor.PositionMonitor
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewRedisStateMirror creates a state mirror. A nil client means
// memory-only mode.
func NewRedisStateMirror(client *redis.Client, logger zerolog.Logger) *RedisStateMirror {
	m := &RedisStateMirror{
		client: client,
		cache:  make(map[string]*monitor.PositionMonitor),
		logger: logger.With().Str("component", "StateMirror").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			m.redisAvailable.Store(false)
		} else {
			m.logger.Info().Msg("Redis connected")
			m.redisAvailable.Store(true)
		}
	} else {
		m.logger.Info().Msg("No Redis client configured, mirror is memory-only")
		m.redisAvailable.Store(false)
	}

	return m
}

func (m *RedisStateMirror) monitorKey(key monitor.Key) string {
	return fmt.Sprintf("%s:%s", MonitorKeyPrefix, key.String())
}

// Save mirrors one monitor. Always updates the in-memory cache; Redis
// errors degrade to memory-only mode instead of failing the caller.
func (m *RedisStateMirror) Save(ctx context.Context, pm *monitor.PositionMonitor) error {
	if pm == nil {
		return fmt.Errorf("cannot mirror nil monitor")
	}
	key := pm.Key()

	m.cacheMu.Lock()
	m.cache[key.String()] = pm.Clone()
	m.cacheMu.Unlock()

	if m.client == nil || !m.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(pm)
	if err != nil {
		return fmt.Errorf("failed to marshal monitor state: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.monitorKey(key), data, MonitorStateTTL)
	pipe.SAdd(ctx, MonitorListKey, key.String())
	pipe.Expire(ctx, MonitorListKey, MonitorStateTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn().Err(err).Str("monitor_key", key.String()).
			Msg("Redis write failed, degrading to in-memory cache")
		m.redisAvailable.Store(false)
	}
	return nil
}

// Delete drops a mirrored monitor after its terminal phase.
func (m *RedisStateMirror) Delete(ctx context.Context, key monitor.Key) error {
	m.cacheMu.Lock()
	delete(m.cache, key.String())
	m.cacheMu.Unlock()

	if m.client == nil || !m.redisAvailable.Load() {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.monitorKey(key))
	pipe.SRem(ctx, MonitorListKey, key.String())

	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn().Err(err).Str("monitor_key", key.String()).
			Msg("Redis delete failed, degrading to in-memory cache")
		m.redisAvailable.Store(false)
	}
	return nil
}

// Load reads a mirrored monitor, preferring Redis and falling back to the
// in-memory cache. A missing entry returns (nil, nil).
func (m *RedisStateMirror) Load(ctx context.Context, key monitor.Key) (*monitor.PositionMonitor, error) {
	if m.client != nil && m.redisAvailable.Load() {
		data, err := m.client.Get(ctx, m.monitorKey(key)).Result()
		if err != nil {
			if err == redis.Nil {
				return m.fromCache(key), nil
			}
			m.logger.Warn().Err(err).Msg("Redis read failed, using in-memory cache")
			m.redisAvailable.Store(false)
			return m.fromCache(key), nil
		}

		var pm monitor.PositionMonitor
		if err := json.Unmarshal([]byte(data), &pm); err != nil {
			return nil, fmt.Errorf("failed to unmarshal monitor state: %w", err)
		}
		return &pm, nil
	}

	return m.fromCache(key), nil
}

func (m *RedisStateMirror) fromCache(key monitor.Key) *monitor.PositionMonitor {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if pm, ok := m.cache[key.String()]; ok {
		return pm.Clone()
	}
	return nil
}

// TryRecover probes Redis and restores normal operation when it answers.
func (m *RedisStateMirror) TryRecover(ctx context.Context) bool {
	if m.client == nil || m.redisAvailable.Load() {
		return m.redisAvailable.Load()
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return false
	}
	m.logger.Info().Msg("Redis recovered")
	m.redisAvailable.Store(true)
	return true
}
