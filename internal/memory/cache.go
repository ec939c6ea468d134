package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存中没有对应条目。缓存层故障也折算成 miss，
// 调用方只需处理 miss 一种分支，耐久层兜底。
var ErrCacheMiss = errors.New("memory: cache miss")

// Cache 是记忆记录的易失缓存层。
type Cache interface {
	Get(ctx context.Context, key SessionKey) (*Record, error)
	Set(ctx context.Context, key SessionKey, rec *Record) error
	Delete(ctx context.Context, key SessionKey) error
}

// CacheConfig Redis 缓存配置
type CacheConfig struct {
	Addr     string        `mapstructure:"addr" json:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" json:"password" yaml:"password"`
	DB       int           `mapstructure:"db" json:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" json:"ttl" yaml:"ttl"`
}

func (c CacheConfig) ttl() time.Duration {
	if c.TTL <= 0 {
		return time.Hour
	}
	return c.TTL
}

// RedisCache 基于 Redis 的缓存实现。所有 Redis 故障都记一条 warn
// 日志后降级为 miss，绝不让缓存层故障冒泡成请求失败。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCache 建立 Redis 连接。不在此处 Ping：缓存此刻不可用
// 不应阻止进程启动，首个请求会自然降级到耐久层。
func NewRedisCache(cfg CacheConfig, log *zap.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{client: client, ttl: cfg.ttl(), log: log}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

type cachedRecord struct {
	UserID               int64          `json:"user_id"`
	Conversation         []Exchange     `json:"conversation"`
	AnalysisSummary      string         `json:"analysis_summary"`
	VisualizationSummary string         `json:"visualization_summary"`
	CodeSummary          string         `json:"code_summary"`
	PreferenceSummary    string         `json:"preference_summary"`
	Variables            map[string]any `json:"variables"`
}

func (c *RedisCache) Get(ctx context.Context, key SessionKey) (*Record, error) {
	raw, err := c.client.Get(ctx, key.cacheKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.log.Warn("memory cache read failed, falling back to store",
			zap.String("session", key.String()), zap.Error(err))
		return nil, ErrCacheMiss
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != codecVersion {
		// 坏条目或旧版本条目按 miss 处理并清掉，等待重建。
		c.log.Warn("memory cache entry unreadable, evicting",
			zap.String("session", key.String()))
		c.client.Del(ctx, key.cacheKey())
		return nil, ErrCacheMiss
	}
	var cr cachedRecord
	if err := json.Unmarshal(env.Data, &cr); err != nil {
		c.client.Del(ctx, key.cacheKey())
		return nil, ErrCacheMiss
	}

	// 读命中刷新 TTL，活跃会话不掉出缓存。
	if err := c.client.Expire(ctx, key.cacheKey(), c.ttl).Err(); err != nil {
		c.log.Warn("memory cache ttl refresh failed",
			zap.String("session", key.String()), zap.Error(err))
	}

	rec := &Record{
		SessionID:            key.SessionID,
		FileID:               key.FileID,
		UserID:               cr.UserID,
		Conversation:         cr.Conversation,
		AnalysisSummary:      cr.AnalysisSummary,
		VisualizationSummary: cr.VisualizationSummary,
		CodeSummary:          cr.CodeSummary,
		PreferenceSummary:    cr.PreferenceSummary,
		Variables:            cr.Variables,
	}
	if rec.Conversation == nil {
		rec.Conversation = []Exchange{}
	}
	if rec.Variables == nil {
		rec.Variables = map[string]any{}
	}
	return rec, nil
}

func (c *RedisCache) Set(ctx context.Context, key SessionKey, rec *Record) error {
	raw, err := encodeBlob(cachedRecord{
		UserID:               rec.UserID,
		Conversation:         rec.Conversation,
		AnalysisSummary:      rec.AnalysisSummary,
		VisualizationSummary: rec.VisualizationSummary,
		CodeSummary:          rec.CodeSummary,
		PreferenceSummary:    rec.PreferenceSummary,
		Variables:            rec.Variables,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key.cacheKey(), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key SessionKey) error {
	if err := c.client.Del(ctx, key.cacheKey()).Err(); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}
