package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/stockwatch/internal/authsync"
	"github.com/hitoshi/stockwatch/internal/config"
	"github.com/hitoshi/stockwatch/internal/database"
	"github.com/hitoshi/stockwatch/internal/events"
	"github.com/hitoshi/stockwatch/internal/joinrequest"
	"github.com/hitoshi/stockwatch/internal/keycloak"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/presence"
	"github.com/hitoshi/stockwatch/internal/push"
	"github.com/hitoshi/stockwatch/internal/repository"
	"github.com/hitoshi/stockwatch/internal/security"
)

// Container はプロセス全体で共有する依存関係を保持する。
// 外部クライアントは一度だけ生成し、Closeで逆順に解放する。
type Container struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sql.DB
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Users         *repository.PostgresUserRepo
	Restaurants   *repository.PostgresRestaurantRepo
	JoinRequests  *repository.PostgresJoinRequestRepo
	Notifications *repository.PostgresNotificationRepo
	ChangeEvents  *repository.PostgresChangeEventRepo

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// NewContainer はDB接続を確立し、リポジトリとメトリクスを初期化する。
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Container{
		Config:        cfg,
		Logger:        logger,
		DB:            db,
		Registry:      reg,
		Metrics:       metrics.NewCollector(reg),
		Users:         repository.NewPostgresUserRepo(db, cfg.TxMaxAttempts),
		Restaurants:   repository.NewPostgresRestaurantRepo(db),
		JoinRequests:  repository.NewPostgresJoinRequestRepo(db),
		Notifications: repository.NewPostgresNotificationRepo(db),
		ChangeEvents:  repository.NewPostgresChangeEventRepo(db),
	}
	c.addCloser("database", db.Close)
	return c, nil
}

// addCloser はClose時に解放するリソースを登録する。
func (c *Container) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Close は登録されたリソースを登録と逆順に解放する。
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(); err != nil {
			c.Logger.Warn("failed to close resource",
				slog.String("resource", cl.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("close %s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// httpClient は外部API呼び出し用のHTTPクライアントを返す。
func (c *Container) httpClient() *http.Client {
	return &http.Client{Timeout: c.Config.HTTPClientTimeout}
}

// NewJoinService は参加リクエストサービスを生成する。
func (c *Container) NewJoinService() *joinrequest.Service {
	return joinrequest.NewService(
		c.Restaurants,
		c.Users,
		c.JoinRequests,
		c.Notifications,
		security.NewDisplayNameSanitizer(),
		c.Logger,
		c.Metrics,
	)
}

// NewVerifier は呼び出し元トークンの検証器を生成する。
// JWKS_URLが設定されていればJWKS、そうでなければJWT_SECRETを使う。
func (c *Container) NewVerifier(ctx context.Context) (middleware.TokenVerifier, error) {
	opts := []middleware.VerifierOption{
		middleware.WithIssuer(c.Config.JWTIssuer),
		middleware.WithAudience(c.Config.JWTAudience),
	}
	if c.Config.JWKSURL != "" {
		v, err := middleware.NewJWKSVerifier(ctx, c.Config.JWKSURL, c.Logger, opts...)
		if err != nil {
			return nil, err
		}
		c.addCloser("jwks", func() error {
			v.Close()
			return nil
		})
		return v, nil
	}
	return middleware.NewHMACVerifier(c.Config.JWTSecret, opts...), nil
}

// Handlers はイベントハンドラ一式。
type Handlers struct {
	Presence *presence.Reconciler
	Auth     *authsync.Syncer
	Notify   *notify.Dispatcher
}

// NewHandlers は外部クライアントを生成し、イベントハンドラ一式を組み立てる。
func (c *Container) NewHandlers(ctx context.Context) (*Handlers, error) {
	base := c.httpClient()

	kc := keycloak.NewClient(ctx, keycloak.Config{
		BaseURL:      c.Config.KeycloakURL,
		Realm:        c.Config.KeycloakRealm,
		ClientID:     c.Config.KeycloakClientID,
		ClientSecret: c.Config.KeycloakClientSecret,
	}, base, c.Logger)

	fcmHTTP, err := push.NewCredentialsHTTPClient(ctx, c.Config.FCMCredentialsFile, base)
	if err != nil {
		return nil, err
	}
	fcm := push.NewFCMClient(fcmHTTP, push.Options{
		ProjectID:     c.Config.FCMProjectID,
		Endpoint:      c.Config.FCMEndpoint,
		RatePerSecond: c.Config.PushRatePerSecond,
	}, c.Logger)

	return &Handlers{
		Presence: presence.NewReconciler(c.Users, c.Logger, c.Metrics),
		Auth:     authsync.NewSyncer(kc, c.Logger, c.Metrics),
		Notify:   notify.NewDispatcher(c.Users, fcm, c.Logger, c.Metrics),
	}, nil
}

// NewDispatcher はハンドラをルーティングしたディスパッチャを生成する。
// withPresenceがfalseの場合、presence_statusイベントは未ルーティングとして確認応答される。
func (c *Container) NewDispatcher(h *Handlers, withPresence bool) *events.Dispatcher {
	d := events.NewDispatcher(c.Logger, c.Metrics)
	if withPresence {
		d.Handle(model.ResourcePresence, model.EventWritten, "presence_reconciler", h.Presence.HandleEvent)
	}
	d.Handle(model.ResourceUsers, model.EventUpdated, "authorization_sync", h.Auth.HandleEvent)
	d.Handle(model.ResourceNotifications, model.EventCreated, "notification_dispatcher", h.Notify.HandleEvent)
	return d
}
