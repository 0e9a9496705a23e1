package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
	BatchSize      int
}

type PipelineConfig struct {
	RetrievalLimit      int
	MaxSecondaryRefs    int
	NormalizerCacheSec  int
	ExpansionCacheSec   int
	SemanticCacheSec    int
	AnswerCacheSec      int
	AnswerMinWords      int
	AnswerMaxWords      int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/course-coach")

	viper.SetEnvPrefix("COURSE_COACH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("sqlite.path", "./data/coursecoach.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 30)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.batchSize", 100)

	viper.SetDefault("pipeline.retrievalLimit", 10)
	viper.SetDefault("pipeline.maxSecondaryRefs", 4)
	viper.SetDefault("pipeline.normalizerCacheSec", 300)
	viper.SetDefault("pipeline.expansionCacheSec", 1800)
	viper.SetDefault("pipeline.semanticCacheSec", 300)
	viper.SetDefault("pipeline.answerCacheSec", 600)
	viper.SetDefault("pipeline.answerMinWords", 50)
	viper.SetDefault("pipeline.answerMaxWords", 300)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
