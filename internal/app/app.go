// Package app はプロセスの起動とサブコマンドの実行を担う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/stockwatch/internal/config"
	"github.com/hitoshi/stockwatch/internal/database"
	"github.com/hitoshi/stockwatch/internal/events"
	"github.com/hitoshi/stockwatch/internal/handler"
	"github.com/hitoshi/stockwatch/internal/logger"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/presencekv"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// 依存関係をワイヤリングし、ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	c, err := NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	verifier, err := c.NewVerifier(ctx)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter("join_request", middleware.DefaultRateLimiterConfig(cfg.RateLimitJoin))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        log,
		Verifier:      verifier,
		RateLimiter:   rateLimiter,
		HealthChecker: c.DB,
		Gatherer:      c.Registry,
		JoinService:   c.NewJoinService(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// change_eventsのアウトボックスを処理し、PRESENCE_SOURCE=natsの場合は
// プレゼンスをNATS KVバケットから受け取る。ctxがキャンセルされると処理中のハンドラの完了を待って終了する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	c, err := NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	handlers, err := c.NewHandlers(ctx)
	if err != nil {
		return err
	}

	useNATS := cfg.PresenceSource == config.PresenceSourceNATS

	// pg_notifyのリスナーが使えない場合はポーリングのみで動作する
	var wake <-chan *pq.Notification
	listener, err := events.NewListener(cfg.DatabaseURL, database.ChangeEventsChannel, log)
	if err != nil {
		log.Warn("change event listener unavailable, falling back to polling",
			slog.String("error", err.Error()),
		)
	} else {
		c.addCloser("listener", listener.Close)
		wake = listener.Notify
	}

	outbox := events.NewOutboxSource(c.ChangeEvents, c.NewDispatcher(handlers, !useNATS), wake, log, events.OutboxOptions{
		BatchSize:      cfg.EventBatchSize,
		Lease:          cfg.EventLease,
		PollInterval:   cfg.EventPollInterval,
		MaxConcurrency: cfg.EventMaxConcurrency,
	})

	var source *presencekv.Source
	if useNATS {
		nc, err := presencekv.Connect(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		c.addCloser("nats", func() error {
			nc.Close()
			return nil
		})
		kv, err := presencekv.Bind(nc, cfg.PresenceBucket)
		if err != nil {
			return err
		}

		presenceDispatcher := events.NewDispatcher(log, c.Metrics)
		presenceDispatcher.Handle(model.ResourcePresence, model.EventWritten, "presence_reconciler", handlers.Presence.HandleEvent)
		source = presencekv.NewSource(kv, presenceDispatcher, log)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outbox.Start(gctx)
		return nil
	})
	if source != nil {
		g.Go(func() error {
			return source.Start(gctx)
		})
	}

	log.Info("worker starting",
		slog.String("presence_source", string(cfg.PresenceSource)),
		slog.Int("max_concurrency", cfg.EventMaxConcurrency),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
