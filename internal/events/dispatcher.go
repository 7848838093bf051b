// Package events は変更イベントのディスパッチとPostgreSQLアウトボックスからの配信を提供する。
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
)

// HandlerFunc は変更イベントを処理する関数。
// 返したエラーはログとメトリクスに記録され、イベントは再配信されない。
type HandlerFunc func(ctx context.Context, ev *model.ChangeEvent) error

type routeKey struct {
	resource string
	kind     model.EventKind
}

type route struct {
	name    string
	handler HandlerFunc
}

// Dispatcher は(リソース, イベント種類)をキーにしたハンドラテーブル。
// ルート登録は起動時に行い、Dispatchの並行呼び出しとは同時に行わないこと。
type Dispatcher struct {
	routes  map[routeKey][]route
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewDispatcher はDispatcherを生成する。mがnilの場合はメトリクスを記録しない。
func NewDispatcher(logger *slog.Logger, m metrics.MetricsCollector) *Dispatcher {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		routes:  make(map[routeKey][]route),
		logger:  logger,
		metrics: m,
	}
}

// Handle はルートを登録する。kindにEventWrittenを指定すると作成・更新・削除のすべてにマッチする。
func (d *Dispatcher) Handle(resource string, kind model.EventKind, name string, h HandlerFunc) {
	k := routeKey{resource: resource, kind: kind}
	d.routes[k] = append(d.routes[k], route{name: name, handler: h})
}

// Dispatch はイベントにマッチするハンドラを登録順に実行する。
// ハンドラのエラーとパニックはこのイベントに対して終端扱いとし、呼び出し元には返さない。
func (d *Dispatcher) Dispatch(ctx context.Context, ev *model.ChangeEvent) {
	matched := d.match(ev)
	if len(matched) == 0 {
		d.logger.Debug("ルートのない変更イベントを破棄しました",
			slog.Int64("event_id", ev.ID),
			slog.String("resource", ev.Resource),
			slog.String("kind", string(ev.Kind)),
		)
		d.metrics.RecordEvent(ev.Resource, string(ev.Kind), metrics.OutcomeUnrouted)
		return
	}

	for _, r := range matched {
		start := time.Now()
		err := d.invoke(ctx, r, ev)
		d.metrics.RecordHandlerLatency(ev.Resource, time.Since(start))

		if err != nil {
			d.logger.Error("変更イベントの処理に失敗しました",
				slog.String("handler", r.name),
				slog.Int64("event_id", ev.ID),
				slog.String("resource", ev.Resource),
				slog.String("kind", string(ev.Kind)),
				slog.String("key", ev.Key),
				slog.String("error", err.Error()),
			)
			d.metrics.RecordEvent(ev.Resource, string(ev.Kind), metrics.OutcomeFailed)
			continue
		}
		d.metrics.RecordEvent(ev.Resource, string(ev.Kind), metrics.OutcomeHandled)
	}
}

func (d *Dispatcher) match(ev *model.ChangeEvent) []route {
	var matched []route
	matched = append(matched, d.routes[routeKey{resource: ev.Resource, kind: ev.Kind}]...)
	if ev.Kind != model.EventWritten {
		matched = append(matched, d.routes[routeKey{resource: ev.Resource, kind: model.EventWritten}]...)
	}
	return matched
}

// invoke はハンドラを実行し、パニックをエラーに変換する。
func (d *Dispatcher) invoke(ctx context.Context, r route, ev *model.ChangeEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handler(ctx, ev)
}
