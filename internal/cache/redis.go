package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"drainscan/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisStore 多实例共享的缓存。条目与证据索引都依赖 Redis 过期
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisStore 连接 Redis 并检查连通性
func NewRedisStore(cfg *config.CacheConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	logger.WithField("addr", cfg.RedisAddr).Info("分析缓存已连接Redis")
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient 使用已有客户端创建
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger, now: time.Now}
}

func (s *RedisStore) analysisKey(address string) string {
	return s.prefix + "analysis:" + address
}

func (s *RedisStore) evidenceKey(address string) string {
	return s.prefix + "evidence:" + address
}

func (s *RedisStore) Get(ctx context.Context, address string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.analysisKey(address)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("解析缓存条目失败: %w", err)
	}
	if e.Expired(s.now()) {
		return nil, nil
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, address string, entry *Entry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存条目失败: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.analysisKey(address), data, ttl)
	for _, ev := range entry.Analysis.EvidenceAddresses() {
		key := s.evidenceKey(ev)
		pipe.SAdd(ctx, key, address)
		// 索引可能比条目活得久，Referencing 结果中多出的键删除时无副作用
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = s.analysisKey(a)
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Referencing(ctx context.Context, address string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.evidenceKey(address)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
