package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recyclebud/scan-api/internal/auth"
	"github.com/recyclebud/scan-api/internal/handlers"
	"github.com/recyclebud/scan-api/internal/repository"
	"github.com/recyclebud/scan-api/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scan API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	completer, closeCompleter, err := newCompleter(ctx, cfg.Completion, logger)
	if err != nil {
		return err
	}
	defer closeCompleter() //nolint:errcheck

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	scanUC := usecase.NewScanUseCase(verifier, completer, logger)

	var history handlers.History
	if cfg.HistoryEnabled() {
		db, err := openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		repo := repository.NewScanRepository(db, logger)

		var cache usecase.Cache = usecase.NopCache{}
		if cfg.CacheEnabled() {
			redisClient, err := openRedis(ctx, cfg.Redis, logger)
			if err != nil {
				return err
			}
			defer redisClient.Close()
			cache = usecase.NewRedisCache(redisClient)
		}
		history = usecase.NewHistoryUseCase(repo, cache, cfg.Redis.TTL, logger)
	} else {
		logger.Warn("database.dsn is empty; scan history is disabled")
	}

	r := newRouter(scanUC, verifier, handlers.Options{
		History:      history,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("scan API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("provider", cfg.Completion.Provider),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.Bool("history", history != nil),
	)
	return serveHTTPServer(ctx, server, nil, cfg.Server.ShutdownTimeout, logger)
}

func newRouter(scanner handlers.Scanner, verifier auth.Verifier, opts handlers.Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(opts.Logger))
	if opts.MaxBodyBytes > 0 {
		r.MaxMultipartMemory = opts.MaxBodyBytes
	}
	handlers.RegisterRoutes(r, scanner, auth.Middleware(verifier), opts)
	return r
}

// serveHTTPServer serves on listener, or on server.Addr when listener is nil,
// until ctx is done. In-flight requests then get shutdownTimeout to finish.
func serveHTTPServer(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down scan API", zap.Duration("timeout", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
