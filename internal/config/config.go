package config

import (
	"fmt"
	"strings"
	"time"

	"drainscan/internal/logging"
	"drainscan/internal/retry"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 DRAINSCAN_STORE_POSTGRES_DSN
const EnvPrefix = "DRAINSCAN"

// Config 主配置
type Config struct {
	Ledger   *LedgerConfig      `mapstructure:"ledger" validate:"required"`
	Ingest   *IngestConfig      `mapstructure:"ingest" validate:"required"`
	Detector *DetectorConfig    `mapstructure:"detector" validate:"required"`
	Pipeline *PipelineConfig    `mapstructure:"pipeline" validate:"required"`
	Cache    *CacheConfig       `mapstructure:"cache" validate:"required"`
	Store    *StoreConfig       `mapstructure:"store" validate:"required"`
	Registry *RegistryConfig    `mapstructure:"registry" validate:"required"`
	Pricing  *PricingConfig     `mapstructure:"pricing"`
	Output   *OutputConfig      `mapstructure:"output" validate:"required"`
	Logging  *logging.LogConfig `mapstructure:"logging" validate:"required"`
	API      *APIConfig         `mapstructure:"api"`
}

// LedgerConfig 账本节点配置
type LedgerConfig struct {
	Nodes                []*NodeConfig      `mapstructure:"nodes" validate:"required,min=1,dive,required"`
	Commitment           string             `mapstructure:"commitment" validate:"oneof=confirmed finalized"`
	RequestTimeout       time.Duration      `mapstructure:"request_timeout" validate:"gt=0"`
	RateLimitCooldown    time.Duration      `mapstructure:"rate_limit_cooldown" validate:"gte=0"`
	RateLimitBackoff     time.Duration      `mapstructure:"rate_limit_backoff" validate:"gte=0"`
	MaxConsecutiveErrors int                `mapstructure:"max_consecutive_errors" validate:"min=1"`
	Retry                *retry.RetryConfig `mapstructure:"retry" validate:"required"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name" validate:"required"`
	URL       string `mapstructure:"url" validate:"required,url"`
	RateLimit int    `mapstructure:"rate_limit" validate:"gte=0"` // 每秒请求数，0为不限制
	Priority  int    `mapstructure:"priority" validate:"gte=0"`
}

// IngestConfig 交易拉取配置
type IngestConfig struct {
	MaxRecords       int `mapstructure:"max_records" validate:"min=1,max=10000"`
	Ceiling          int `mapstructure:"ceiling" validate:"gtefield=MaxRecords,max=10000"`
	PageSize         int `mapstructure:"page_size" validate:"min=1,max=1000"`
	BatchSize        int `mapstructure:"batch_size" validate:"min=1,max=1000"`
	FetchConcurrency int `mapstructure:"fetch_concurrency" validate:"min=1,max=64"`
}

// DetectorConfig 检测器参数
type DetectorConfig struct {
	TemporalWindow        time.Duration `mapstructure:"temporal_window" validate:"gt=0"`
	TemporalMinAssets     int           `mapstructure:"temporal_min_assets" validate:"min=1"`
	TemporalMinRecipients int           `mapstructure:"temporal_min_recipients" validate:"min=1"`
	// 额外的交易所/DEX程序，追加到内置列表
	ExtraDexPrograms  []string           `mapstructure:"extra_dex_programs"`
	SweeperFastWindow time.Duration      `mapstructure:"sweeper_fast_window" validate:"gt=0"`
	SweeperSlowWindow time.Duration      `mapstructure:"sweeper_slow_window" validate:"gtefield=SweeperFastWindow"`
	SweeperMinRatio   float64            `mapstructure:"sweeper_min_ratio" validate:"gt=0,lte=1"`
	SweeperMinPairs   int                `mapstructure:"sweeper_min_pairs" validate:"min=1"`
	MaliciousRecency  time.Duration      `mapstructure:"malicious_recency" validate:"gt=0"`
	LookupTimeout     time.Duration      `mapstructure:"lookup_timeout" validate:"gt=0"`
	LookupRetry       *retry.RetryConfig `mapstructure:"lookup_retry" validate:"required"`
}

// PipelineConfig 分析流程配置
type PipelineConfig struct {
	Deadline time.Duration `mapstructure:"deadline" validate:"gt=0"`
}

// CacheConfig 分析结果缓存配置
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=memory bolt redis"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	PartialTTL    time.Duration `mapstructure:"partial_ttl" validate:"gt=0"`
	BoltPath      string        `mapstructure:"bolt_path" validate:"required_if=Backend bolt"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// StoreConfig 恶意地址库配置
type StoreConfig struct {
	Backend      string `mapstructure:"backend" validate:"oneof=memory postgres"`
	PostgresDSN  string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
	Table        string `mapstructure:"table"`
	// memory 后端的初始数据文件（JSON 数组），可选
	SeedFile string `mapstructure:"seed_file"`
}

// RegistryConfig 链上举报注册表配置
type RegistryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProgramID string `mapstructure:"program_id" validate:"required_if=Enabled true"`
}

// PriceConfig 单个资产的美元参考价
type PriceConfig struct {
	Asset string `mapstructure:"asset" validate:"required"`
	USD   string `mapstructure:"usd" validate:"required,numeric"`
}

// PricingConfig 估值配置
type PricingConfig struct {
	Prices []*PriceConfig `mapstructure:"prices" validate:"dive,required"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers" validate:"required,min=1"`
	Topic      string   `mapstructure:"topic" validate:"required"`
	// 非 SAFE 结果额外发送摘要消息，为空时不发送
	AlertTopic string   `mapstructure:"alert_topic"`
}

// OutputConfig 分析结果发布配置
type OutputConfig struct {
	Type      string       `mapstructure:"type" validate:"oneof=none file kafka"`
	Directory string       `mapstructure:"directory" validate:"required_if=Type file"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=0,max=65535"`
}

// LoadConfig 从文件和环境变量加载配置，未设置的字段使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 敏感字段支持仅通过环境变量注入
	for _, key := range []string{"store.postgres_dsn", "cache.redis_addr", "cache.redis_password", "api.port"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig 校验配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if config.Output.Type == "kafka" && config.Output.Kafka == nil {
		return fmt.Errorf("配置校验失败: output.kafka 未配置")
	}
	if config.Cache.PartialTTL > config.Cache.TTL {
		return fmt.Errorf("配置校验失败: cache.partial_ttl 不能大于 cache.ttl")
	}
	return nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Ledger: &LedgerConfig{
			Nodes: []*NodeConfig{
				{
					Name:      "mainnet_public",
					URL:       "https://api.mainnet-beta.solana.com",
					RateLimit: 10,
					Priority:  1,
				},
			},
			Commitment:           "confirmed",
			RequestTimeout:       10 * time.Second,
			RateLimitCooldown:    time.Minute,
			RateLimitBackoff:     time.Second,
			MaxConsecutiveErrors: 3,
			Retry: &retry.RetryConfig{
				MaxAttempts:         4,
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         8 * time.Second,
				BackoffFactor:       2.0,
				RandomizationFactor: 0.2,
				EnableJitter:        true,
			},
		},
		Ingest: &IngestConfig{
			MaxRecords:       1000,
			Ceiling:          10000,
			PageSize:         1000,
			BatchSize:        100,
			FetchConcurrency: 4,
		},
		Detector: &DetectorConfig{
			TemporalWindow:        300 * time.Second,
			TemporalMinAssets:     3,
			TemporalMinRecipients: 2,
			SweeperFastWindow:     10 * time.Second,
			SweeperSlowWindow:     30 * time.Second,
			SweeperMinRatio:       0.95,
			SweeperMinPairs:       2,
			MaliciousRecency:      30 * 24 * time.Hour,
			LookupTimeout:         3 * time.Second,
			LookupRetry: &retry.RetryConfig{
				MaxAttempts:     2,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     time.Second,
				BackoffFactor:   2.0,
			},
		},
		Pipeline: &PipelineConfig{
			Deadline: 15 * time.Second,
		},
		Cache: &CacheConfig{
			Backend:    "memory",
			TTL:        time.Hour,
			PartialTTL: 5 * time.Minute,
			BoltPath:   "./data/analysis.db",
			KeyPrefix:  "drainscan:",
		},
		Store: &StoreConfig{
			Backend:      "memory",
			MaxOpenConns: 10,
			Table:        "malicious_addresses",
		},
		Registry: &RegistryConfig{
			Enabled:   true,
			ProgramID: "BYbF6QC9PoeHGH4y1pLNC2YHBChpnFBq46vBydyBFxq2",
		},
		Pricing: &PricingConfig{},
		Output: &OutputConfig{
			Type:      "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers:    []string{"localhost:9092"},
				Topic:      "drain_analyses",
				AlertTopic: "drain_alerts",
			},
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}
