package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tsubame/internal/auth"
	"tsubame/internal/chat"
	"tsubame/internal/config"
	"tsubame/internal/database"
	"tsubame/internal/fanout"
	"tsubame/internal/handler"
	"tsubame/internal/kafka"
	"tsubame/internal/metrics"
	"tsubame/internal/presence"
	"tsubame/internal/ratelimit"
	"tsubame/internal/store"
	"tsubame/internal/tracing"
)

func setupLogger(cfg config.Config) {
	if cfg.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		logrus.Warnf("⚠️  .env file not found, using default values: %v", err)
	}

	// 環境変数を読み込み
	cfg := config.Load()
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTelEndpoint, cfg.Env)
	if err != nil {
		logrus.Fatalf("❌ Failed to initialize tracing: %v", err)
	}

	// データベース接続を初期化
	db, err := database.Init(cfg)
	if err != nil {
		logrus.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer db.Close()

	st := store.New(db, cfg.DBDriver)

	// 前回プロセスのオンライン表示を落とす
	if n, err := st.ResetPresence(ctx, time.Now().UTC()); err != nil {
		logrus.Fatalf("❌ Failed to reset presence: %v", err)
	} else if n > 0 {
		logrus.Infof("Reset %d stale online users", n)
	}

	// レート制限
	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		rdb := ratelimit.NewRedisClient(cfg.RedisHost, cfg.RedisPort)
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit, cfg.RateWindow)
	default:
		w := ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow)
		go w.Run(ctx)
		limiter = w
	}

	// イベントの外部配信（任意）
	var sink fanout.Sink
	if cfg.KafkaBrokers != "" {
		kw := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kw.Close()
		sink = kw
	}

	m := metrics.New()
	registry := presence.NewRegistry()
	svc := chat.NewService(st, registry, fanout.New(registry, sink, m), limiter, chat.Options{
		TTL:         cfg.DisappearTTL,
		ExpireRetry: cfg.ExpireRetry,
		Metrics:     m,
	})
	defer svc.Close()

	// 消えるメッセージのタイマーを復元
	if err := svc.Recover(ctx); err != nil {
		logrus.Fatalf("❌ Failed to recover expiry timers: %v", err)
	}

	secret := cfg.JWTSecret
	if secret == "" {
		if cfg.IsProduction() {
			logrus.Fatal("❌ JWT_SECRET is required in production")
		}
		secret = "tsubame-dev-secret"
		logrus.Warn("⚠️  JWT_SECRET not set, using development secret")
	}

	h := handler.New(svc, st, auth.NewVerifier(secret), m, cfg)
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS", "PUT"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(otelhttp.NewHandler(router, "http.server")),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Tsubame Message Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	if cfg.DBDriver == database.DriverMySQL {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	} else {
		fmt.Printf("  Database: sqlite %s\n", cfg.SQLitePath)
	}
	fmt.Printf("  Rate Limit: %d / %s (%s)\n", cfg.RateLimit, cfg.RateWindow, cfg.RateLimitBackend)
	if cfg.KafkaBrokers != "" {
		fmt.Printf("  Kafka: %s -> %s\n", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logrus.Info("🚀 Server started successfully")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("❌ Server error: %v", err)
		}
	case <-ctx.Done():
		logrus.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("Server shutdown: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logrus.Warnf("Tracing shutdown: %v", err)
	}
}
