// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// イベント処理結果のラベル値
const (
	OutcomeHandled  = "handled"
	OutcomeFailed   = "failed"
	OutcomeUnrouted = "unrouted"
)

// プッシュ送信結果のラベル値
const (
	PushSent         = "sent"
	PushFailed       = "failed"
	PushUnregistered = "unregistered"
	PushSkipped      = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// イベントハンドラやサービス層から利用する。
type MetricsCollector interface {
	RecordEvent(resource, kind, outcome string)
	RecordHandlerLatency(resource string, duration time.Duration)
	RecordSessionTokenCleared()
	RecordPush(result string)
	RecordJoinRequest(result string)
	RecordNotificationsQueued(count int)
	RecordAuthSync(action, result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	events             *prometheus.CounterVec
	handlerLatency     *prometheus.HistogramVec
	sessionCleared     prometheus.Counter
	push               *prometheus.CounterVec
	joinRequests       *prometheus.CounterVec
	notificationsQueue prometheus.Counter
	authSync           *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_events_total",
			Help: "リソース・種類・結果別の変更イベント処理数",
		}, []string{"resource", "kind", "outcome"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockwatch_event_handler_seconds",
			Help:    "イベントハンドラの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
		sessionCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_session_tokens_cleared_total",
			Help: "オフライン遷移でクリアしたセッショントークンの合計数",
		}),
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_push_total",
			Help: "結果別のプッシュ通知送信数",
		}, []string{"result"}),
		joinRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_join_requests_total",
			Help: "結果別の参加リクエスト数",
		}, []string{"result"}),
		notificationsQueue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_notifications_queued_total",
			Help: "ファンアウトで作成した通知レコードの合計数",
		}),
		authSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_auth_sync_total",
			Help: "操作・結果別の認可サブシステム同期数",
		}, []string{"action", "result"}),
	}

	reg.MustRegister(
		c.events,
		c.handlerLatency,
		c.sessionCleared,
		c.push,
		c.joinRequests,
		c.notificationsQueue,
		c.authSync,
	)

	return c
}

// RecordEvent はイベント処理結果を記録する。
func (c *Collector) RecordEvent(resource, kind, outcome string) {
	c.events.WithLabelValues(resource, kind, outcome).Inc()
}

// RecordHandlerLatency はハンドラの処理時間を記録する。
func (c *Collector) RecordHandlerLatency(resource string, duration time.Duration) {
	c.handlerLatency.WithLabelValues(resource).Observe(duration.Seconds())
}

// RecordSessionTokenCleared はセッショントークンのクリアを記録する。
func (c *Collector) RecordSessionTokenCleared() {
	c.sessionCleared.Inc()
}

// RecordPush はプッシュ送信結果を記録する。
func (c *Collector) RecordPush(result string) {
	c.push.WithLabelValues(result).Inc()
}

// RecordJoinRequest は参加リクエストの結果を記録する。
func (c *Collector) RecordJoinRequest(result string) {
	c.joinRequests.WithLabelValues(result).Inc()
}

// RecordNotificationsQueued は作成した通知レコード数を記録する。
func (c *Collector) RecordNotificationsQueued(count int) {
	c.notificationsQueue.Add(float64(count))
}

// RecordAuthSync は認可サブシステム同期の結果を記録する。
func (c *Collector) RecordAuthSync(action, result string) {
	c.authSync.WithLabelValues(action, result).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordEvent(string, string, string)         {}
func (Nop) RecordHandlerLatency(string, time.Duration) {}
func (Nop) RecordSessionTokenCleared()                 {}
func (Nop) RecordPush(string)                          {}
func (Nop) RecordJoinRequest(string)                   {}
func (Nop) RecordNotificationsQueued(int)              {}
func (Nop) RecordAuthSync(string, string)              {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
