package config

import (
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern"`
	Port                          int      `env:"PORT" env-default:"3010"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"0"` // 0 keeps SSE streams open
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeoutSeconds        int      `env:"SHUTDOWN_TIMEOUT_SECONDS" env-default:"30"`

	// PostgreSQL (staging + production)
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis (single-writer lease)
	RedisEnabled  bool          `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost     string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	LeaseKey      string        `env:"LEASE_KEY" env-default:"fern:ingestion:lease"`
	LeaseTTL      time.Duration `env:"LEASE_TTL" env-default:"30s"`

	// Kafka (lifecycle events)
	KafkaEnabled      bool     `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaTopic        string   `env:"KAFKA_TOPIC" env-default:"fern-events"`
	KafkaBatchSize    int      `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`

	// Tracing
	OTLPEnabled  bool          `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string        `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string        `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool          `env:"OTLP_INSECURE" env-default:"true"`
	OTLPTimeout  time.Duration `env:"OTLP_TIMEOUT" env-default:"10s"`

	// Loading
	CompanyChunkSize   int `env:"COMPANY_CHUNK_SIZE" env-default:"100000"`
	OfficerChunkSize   int `env:"OFFICER_CHUNK_SIZE" env-default:"50000"`
	FinancialChunkSize int `env:"FINANCIAL_CHUNK_SIZE" env-default:"10000"`

	// Quality and promotion
	ReviewFloor          float64 `env:"REVIEW_FLOOR" env-default:"0.70"`
	PromotionThreshold   float64 `env:"PROMOTION_THRESHOLD" env-default:"0.70"`
	PromotionPageSize    int     `env:"PROMOTION_PAGE_SIZE" env-default:"5000"`
	ValidationPageSize   int     `env:"VALIDATION_PAGE_SIZE" env-default:"10000"`
	DefaultMergeOperator string  `env:"DEFAULT_MERGE_OPERATOR" env-default:"system"`

	// Downloads
	DownloadDir         string        `env:"DOWNLOAD_DIR" env-default:""`
	DownloadConcurrency int           `env:"DOWNLOAD_CONCURRENCY" env-default:"2"`
	DownloadMaxRetries  int           `env:"DOWNLOAD_MAX_RETRIES" env-default:"5"`
	DownloadTimeout     time.Duration `env:"DOWNLOAD_TIMEOUT" env-default:"30m"`
	DiscoveryBaseURL    string        `env:"DISCOVERY_BASE_URL" env-default:"http://download.companieshouse.gov.uk"`

	// Log stream
	LogHeartbeatSeconds int `env:"LOG_HEARTBEAT_SECONDS" env-default:"30"`
	LogBufferSize       int `env:"LOG_BUFFER_SIZE" env-default:"256"`
}

// Load reads an optional .env file and binds the environment onto a Config.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() database.MigrationConfig {
	return database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(c.DatabaseMigrationVersion),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	return exporters.OTLPConfig{
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
		Timeout:  c.OTLPTimeout,
	}
}
