// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Log         LogConfig         `mapstructure:"log"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Tika        TikaConfig        `mapstructure:"tika"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Summarizer  SummarizerConfig  `mapstructure:"summarizer"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index"`
	Chunker     ChunkerConfig     `mapstructure:"chunker"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储元数据库与 Redis 的配置。
// Driver 可选 sqlite（默认，单文件）、mysql、postgres。
type DatabaseConfig struct {
	Driver     string      `mapstructure:"driver"`
	SQLitePath string      `mapstructure:"sqlite_path"`
	DSN        string      `mapstructure:"dsn"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用 Redis。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储运维令牌相关的配置。Secret 为空时写接口不做鉴权。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时入库任务同步执行。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// StorageConfig 存储原始法规文件的对象存储配置。
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // local, minio, s3
	LocalPath string      `mapstructure:"local_path"`
	MinIO     MinIOConfig `mapstructure:"minio"`
	S3        S3Config    `mapstructure:"s3"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// S3Config 存储 AWS S3 的配置。
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
// Provider 可选 openai（OpenAI 兼容接口）、gemini、static（本地哈希向量，离线可用）。
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// LLMConfig 存储大语言模型（completion service）相关的配置。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"` // openai, gemini
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	RateLimit  RateLimitConfig     `mapstructure:"rate_limit"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// RateLimitConfig 限制对 completion service 的请求速率，RequestsPerSecond 为 0 时不限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// SummarizerConfig 配置入库时的摘要生成。
type SummarizerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxWords      int  `mapstructure:"max_words"`
	InputMaxWords int  `mapstructure:"input_max_words"`
	FallbackChars int  `mapstructure:"fallback_chars"`
}

// VectorIndexConfig 配置向量索引。Type 可选 flat、hnsw、elasticsearch。
type VectorIndexConfig struct {
	Type          string              `mapstructure:"type"`
	Path          string              `mapstructure:"path"`
	Dimensions    int                 `mapstructure:"dimensions"`
	M             int                 `mapstructure:"m"`
	EfSearch      int                 `mapstructure:"ef_search"`
	Watch         bool                `mapstructure:"watch"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// ChunkerConfig 配置外部切块器的 token 上下限。
type ChunkerConfig struct {
	ProcedureMinTokens  int `mapstructure:"procedure_min_tokens"`
	ProcedureMaxTokens  int `mapstructure:"procedure_max_tokens"`
	RegulationMinTokens int `mapstructure:"regulation_min_tokens"`
	RegulationMaxTokens int `mapstructure:"regulation_max_tokens"`
}

// AuditConfig 配置合规分析流程。
type AuditConfig struct {
	DefaultTopK    int           `mapstructure:"default_top_k"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Load 读取配置文件与环境变量，返回解析后的配置。
// 配置文件不存在时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REGAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "db/chunks.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("kafka.topic", "regulation-ingest")
	v.SetDefault("kafka.group_id", "regaudit-ingest-consumer")

	v.SetDefault("tika.server_url", "http://localhost:9998")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "db/uploads")
	v.SetDefault("storage.s3.region", "us-east-1")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 32)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.generation.temperature", 0.1)
	v.SetDefault("llm.generation.max_tokens", 1000)

	v.SetDefault("summarizer.enabled", true)
	v.SetDefault("summarizer.max_words", 30)
	v.SetDefault("summarizer.input_max_words", 1024)
	v.SetDefault("summarizer.fallback_chars", 100)

	v.SetDefault("vector_index.type", "flat")
	v.SetDefault("vector_index.path", "db/regulatory_index.vec")
	v.SetDefault("vector_index.m", 16)
	v.SetDefault("vector_index.ef_search", 64)
	v.SetDefault("vector_index.elasticsearch.index_name", "regulatory_chunks")

	v.SetDefault("chunker.procedure_min_tokens", 100)
	v.SetDefault("chunker.procedure_max_tokens", 500)
	v.SetDefault("chunker.regulation_min_tokens", 100)
	v.SetDefault("chunker.regulation_max_tokens", 500)

	v.SetDefault("audit.default_top_k", 5)
	v.SetDefault("audit.request_timeout", 5*time.Minute)

	v.SetDefault("jwt.token_expire_hours", 24)

	// 敏感项与可选项没有默认值，但需要注册键名，AutomaticEnv 才能在 Unmarshal 时生效
	for _, key := range []string{
		"database.dsn", "database.redis.addr", "database.redis.password",
		"kafka.brokers", "jwt.secret",
		"storage.minio.endpoint", "storage.minio.access_key_id", "storage.minio.secret_access_key", "storage.minio.bucket_name",
		"storage.s3.bucket", "storage.s3.access_key_id", "storage.s3.secret_access_key",
		"embedding.api_key", "llm.api_key",
		"vector_index.elasticsearch.addresses", "vector_index.elasticsearch.username", "vector_index.elasticsearch.password",
	} {
		v.SetDefault(key, "")
	}
}
