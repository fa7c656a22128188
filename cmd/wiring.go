package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recyclebud/scan-api/internal/auth"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/completion/gateway"
	"github.com/recyclebud/scan-api/internal/completion/gemini"
	"github.com/recyclebud/scan-api/internal/config"
)

const verifierTimeout = 10 * time.Second

func openDatabase(ctx context.Context, c config.DatabaseConfig, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(c.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	zapLogger.Info("database connected")
	return db, nil
}

func openRedis(ctx context.Context, c config.RedisConfig, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	zapLogger.Info("redis connected", zap.String("addr", c.Addr))
	return client, nil
}

// newCompleter builds the configured completion provider. The returned close
// function is never nil.
func newCompleter(ctx context.Context, c config.CompletionConfig, zapLogger *zap.Logger) (completion.Client, func() error, error) {
	if c.APIKey == "" {
		zapLogger.Warn("completion api key is not set; every scan will fail as misconfigured",
			zap.String("provider", c.Provider))
	}

	switch c.Provider {
	case config.ProviderGemini:
		client, err := gemini.New(ctx, c.APIKey, c.Model, c.Timeout, zapLogger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	case config.ProviderGateway:
		return gateway.New(c.APIKey, c.BaseURL, c.Model, c.Timeout, zapLogger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown completion provider %q", c.Provider)
	}
}

func newVerifier(c config.AuthConfig) (auth.Verifier, error) {
	switch c.Mode {
	case config.AuthModeJWT:
		return auth.NewJWTVerifier(c.JWTSecret, c.JWTAudience), nil
	case config.AuthModeRemote:
		return auth.NewRemoteVerifier(c.SupabaseURL, c.SupabaseAnonKey, verifierTimeout), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}
