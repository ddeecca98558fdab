package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/ingestionlog"
	"github.com/Ramsey-B/fern/internal/repositories/production"
	"github.com/Ramsey-B/fern/internal/repositories/staging"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/promotion"
	"github.com/Ramsey-B/fern/pkg/quality"
	fernredis "github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// app owns the process-wide dependencies shared by every command.
type app struct {
	cfg     *config.Config
	zap     *zap.Logger
	logger  ectologger.Logger
	startup *startup.Startup

	db       *sqlx.DB
	redis    *fernredis.Client
	producer *kafka.Producer
}

// core is the storage and batch-lifecycle layer built on a started database.
type core struct {
	batches    *ingestionlog.Repository
	staging    *staging.Repository
	production *production.Repository
	validator  *quality.Validator
	engine     *promotion.Engine
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		return config.Load(envFile)
	}
	return config.Load()
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level

	return zapCfg.Build(zap.Fields(zap.String("app", cfg.AppName)))
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	return &app{
		cfg:     cfg,
		zap:     zapLogger,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}, nil
}

// addDatabase registers the PostgreSQL connection and, when migrate is set, the schema migrations.
func (a *app) addDatabase(migrate bool) {
	a.startup.AddDependency(startup.Func{
		Name: "database",
		StartFn: func(ctx context.Context) error {
			db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		StopFn: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	})

	if !migrate {
		return
	}
	a.startup.AddDependency(startup.Func{
		Name:  "migrations",
		Needs: []string{"database"},
		StartFn: func(context.Context) error {
			migration := a.cfg.Migration()
			return database.NewMigrationService(a.logger, &migration).Migrate(a.cfg.DatabaseName, a.db)
		},
	})
}

// addServices registers the optional lease store, event producer and trace exporter.
func (a *app) addServices() {
	if a.cfg.RedisEnabled {
		a.startup.AddDependency(startup.Func{
			Name: "redis",
			StartFn: func(context.Context) error {
				client, err := fernredis.NewClient(fernredis.Config{
					Host:     a.cfg.RedisHost,
					Port:     a.cfg.RedisPort,
					Password: a.cfg.RedisPassword,
					DB:       a.cfg.RedisDB,
				}, a.logger)
				if err != nil {
					return err
				}
				a.redis = client
				return nil
			},
			StopFn: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
	}

	if a.cfg.KafkaEnabled {
		a.startup.AddDependency(startup.Func{
			Name: "kafka",
			StartFn: func(ctx context.Context) error {
				if err := pingKafka(ctx, a.cfg.KafkaBrokers); err != nil {
					return err
				}
				a.producer = kafka.NewProducer(kafka.Config{
					Brokers:      a.cfg.KafkaBrokers,
					Topic:        a.cfg.KafkaTopic,
					BatchSize:    a.cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: a.cfg.KafkaRequiredAcks,
				}, a.logger)
				return nil
			},
			StopFn: func(context.Context) error {
				if a.producer == nil {
					return nil
				}
				return a.producer.Close()
			},
		})
	}

	if a.cfg.OTLPEnabled {
		var shutdown func(context.Context) error
		a.startup.AddDependency(startup.Func{
			Name: "tracing",
			StartFn: func(ctx context.Context) error {
				fn, err := tracing.Setup(ctx, a.cfg.AppName, a.cfg.OTLP())
				if err != nil {
					return err
				}
				shutdown = fn
				return nil
			},
			StopFn: func(ctx context.Context) error {
				if shutdown == nil {
					return nil
				}
				return shutdown(ctx)
			},
		})
	}
}

// pingKafka dials the first reachable broker.
func pingKafka(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, broker := range kafka.ParseBrokers(brokers) {
		conn, err := segkafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("failed to reach kafka: %w", lastErr)
}

func (a *app) publisher() events.Publisher {
	if a.producer == nil {
		return events.Noop{}
	}
	return events.NewEmitter(a.producer, a.logger)
}

func (a *app) core() *core {
	db := database.NewDatabaseInstance(a.db, a.logger)

	c := &core{
		batches:    ingestionlog.NewRepository(db, a.logger),
		staging:    staging.NewRepository(db, a.logger, a.cfg.ReviewFloor),
		production: production.NewRepository(db, a.logger),
	}
	c.validator = quality.NewValidator(a.logger, c.staging, a.cfg.ReviewFloor, a.cfg.PromotionThreshold, a.cfg.ValidationPageSize)
	c.engine = promotion.NewEngine(a.logger, c.staging, c.production, c.validator, c.batches, a.publisher(), promotion.Config{
		Threshold:       a.cfg.PromotionThreshold,
		PageSize:        a.cfg.PromotionPageSize,
		DefaultOperator: a.cfg.DefaultMergeOperator,
	})
	return c
}

// close stops every started dependency within the shutdown timeout and flushes the logger.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("Failed to stop dependencies cleanly")
	}
	_ = a.zap.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
