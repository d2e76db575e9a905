package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Neo4j      Neo4jConfig
	Redis      RedisConfig
	Milvus     MilvusConfig
	Embeddings EmbeddingsConfig
	Graph      GraphConfig
	Stats      StatsConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	CollectionName string
	CandidateLimit int
}

type EmbeddingsConfig struct {
	Enabled    bool
	APIKey     string
	Model      string
	Dimensions int
	TimeoutSec int
}

// GraphConfig holds the analytical policy knobs. Every value has a default
// in setDefaults; zero values coming from a config file are replaced there.
type GraphConfig struct {
	RequestTimeoutSec int

	DefaultMaxDepth int
	MaxDepthLimit   int
	DefaultMaxPaths int
	MaxExpansions   int

	IsolationThreshold int
	TargetDensity      float64
	HighCutoff         float64
	MediumCutoff       float64
	LowCutoff          float64

	SemanticThreshold   float64
	StructuralThreshold float64
	MaxClusterEntities  int
}

type StatsConfig struct {
	RefreshIntervalSec int
	StalenessThreshold int
	MaxAgeSec          int
}

type RateLimitConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads configuration from an optional .env file, config.yaml and
// KGENGINE_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path; an empty path uses the
// standard search locations.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kgengine")
	}

	v.SetEnvPrefix("KGENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required")
	}
	if c.Embeddings.Enabled && c.Embeddings.APIKey == "" {
		return fmt.Errorf("embeddings.apiKey is required when embeddings are enabled")
	}
	if c.Milvus.Enabled && !c.Embeddings.Enabled {
		return fmt.Errorf("milvus requires embeddings to be enabled")
	}
	g := c.Graph
	if !(g.HighCutoff < g.MediumCutoff && g.MediumCutoff < g.LowCutoff) {
		return fmt.Errorf("graph cutoffs must satisfy high < medium < low, got %.2f/%.2f/%.2f",
			g.HighCutoff, g.MediumCutoff, g.LowCutoff)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/kgengine.db")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlSec", 600)

	v.SetDefault("milvus.enabled", false)
	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.collectionName", "kg_entities")
	v.SetDefault("milvus.candidateLimit", 200)

	v.SetDefault("embeddings.enabled", false)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.timeoutSec", 15)

	v.SetDefault("graph.requestTimeoutSec", 30)
	v.SetDefault("graph.defaultMaxDepth", 5)
	v.SetDefault("graph.maxDepthLimit", 10)
	v.SetDefault("graph.defaultMaxPaths", 10)
	v.SetDefault("graph.maxExpansions", 200000)
	v.SetDefault("graph.isolationThreshold", 0)
	v.SetDefault("graph.targetDensity", 0.3)
	v.SetDefault("graph.highCutoff", 0.2)
	v.SetDefault("graph.mediumCutoff", 0.4)
	v.SetDefault("graph.lowCutoff", 0.6)
	v.SetDefault("graph.semanticThreshold", 0.3)
	v.SetDefault("graph.structuralThreshold", 0.25)
	v.SetDefault("graph.maxClusterEntities", 500)

	v.SetDefault("stats.refreshIntervalSec", 300)
	v.SetDefault("stats.stalenessThreshold", 50)
	v.SetDefault("stats.maxAgeSec", 900)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.maxRequestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
