// Package cache 提供 Redis 客户端封装，用于读模型投影与限流
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Config Redis 配置
type Config struct {
	Addr         string
	Password     string
	DB           int
	MaxPoolSize  int
	ConnTimeout  int
	ReadTimeout  int
	WriteTimeout int
}

// RedisCache Redis 缓存实现
type RedisCache struct {
	client redis.UniversalClient
}

// New 创建 Redis 缓存实例并检查连通性
func New(ctx context.Context, cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxPoolSize,
		DialTimeout:  time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(ctx, "Redis connected successfully", "addr", cfg.Addr)
	return &RedisCache{client: client}, nil
}

// NewWithClient 包装已有客户端
func NewWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// GetJSON 读取 JSON 值；不存在时返回 ErrCacheMiss
func (rc *RedisCache) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(val, dest)
}

// VersionedValue 带版本号的 JSON 值，Value 序列化后须包含顶层 version 字段
type VersionedValue struct {
	Key     string
	Version int64
	Value   any
}

// setIfNewer 仅当已有值的 version 小于新版本时覆盖，返回实际写入条数
var setIfNewer = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local written = 0
for i, key in ipairs(KEYS) do
  local version = tonumber(ARGV[i * 2])
  local payload = ARGV[i * 2 + 1]
  local stale = false
  local cur = redis.call('GET', key)
  if cur then
    local ok, doc = pcall(cjson.decode, cur)
    if ok and type(doc) == 'table' and tonumber(doc['version']) and tonumber(doc['version']) >= version then
      stale = true
    end
  end
  if not stale then
    if ttl > 0 then
      redis.call('SET', key, payload, 'PX', ttl)
    else
      redis.call('SET', key, payload)
    end
    written = written + 1
  end
end
return written
`)

// SetJSONIfNewer 按版本号原子写入多条 JSON 值，旧版本不会覆盖新版本
func (rc *RedisCache) SetJSONIfNewer(ctx context.Context, values []VersionedValue, expiration time.Duration) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(values))
	args := make([]any, 0, 1+2*len(values))
	args = append(args, expiration.Milliseconds())
	for _, v := range values {
		data, err := json.Marshal(v.Value)
		if err != nil {
			return 0, err
		}
		keys = append(keys, v.Key)
		args = append(args, v.Version, data)
	}
	n, err := setIfNewer.Run(ctx, rc.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("redis versioned set: %w", err)
	}
	return n, nil
}

// GetClient 获取底层客户端
func (rc *RedisCache) GetClient() redis.UniversalClient {
	return rc.client
}

// Close 关闭连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
