package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/config"
	"github.com/example/faceverify/internal/grpcclient"
	"github.com/example/faceverify/internal/handlers"
	"github.com/example/faceverify/internal/pipeline"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP verification API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, sqlDB, err := initDatabase(startCtx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(startCtx); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}

	redisClient, err := initRedis(startCtx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	engine, conn, err := grpcclient.DialInferenceService(startCtx, cfg.InferenceAddr, cfg.Detector, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to inference service: %w", err)
	}
	defer conn.Close()

	verifier := pipeline.New(engine, engine, engine, logger, pipeline.WithParallel(cfg.ParallelSides))
	uc := usecase.NewVerificationUseCase(repo, usecase.NewRedisCache(redisClient), verifier, logger,
		usecase.WithThreshold(cfg.MatchThreshold),
		usecase.WithMaxImageDimension(cfg.MaxImageDimension),
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(auth.Config{Secret: cfg.JWTSecret, Audience: cfg.JWTAudience}))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening", zap.String("addr", cfg.HTTPAddr))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, *sql.DB, error) {
	db, sqlDB, err := openDatabase(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, sqlDB, nil
}

// openDatabase configures the connection pool without connecting. The caller
// owns the returned *sql.DB and must close it.
func openDatabase(dsn string) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Warn),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, sqlDB, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
