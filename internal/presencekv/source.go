// Package presencekv はNATS JetStream KVバケットのプレゼンス書き込みを変更イベントとして配信する。
package presencekv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/hitoshi/stockwatch/internal/events"
	"github.com/hitoshi/stockwatch/internal/model"
)

// bucketHistory は作成するバケットが保持するキーごとの履歴数。
// 変更前の値を復元するため2以上が必要。
const bucketHistory = 5

// Connect はNATSサーバーに接続する。切断時は無制限に再接続を試みる。
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("stockwatch-worker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATSから切断されました", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATSに再接続しました", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Bind はプレゼンスバケットを取得する。存在しない場合は作成する。
func Bind(nc *nats.Conn, bucket string) (nats.KeyValue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "connection presence written by clients",
			History:     bucketHistory,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind KV bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// KeyValueWatcher はSourceが利用するKVバケットの操作。nats.KeyValueが満たす。
type KeyValueWatcher interface {
	WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error)
	History(key string, opts ...nats.WatchOpt) ([]nats.KeyValueEntry, error)
}

// Source はKVバケットを監視し、書き込みごとにpresence_statusイベントをディスパッチする。
// 起動時には各キーの最新値が再生されるが、ハンドラは冪等なため問題ない。
type Source struct {
	kv         KeyValueWatcher
	dispatcher events.EventDispatcher
	logger     *slog.Logger
}

// NewSource はSourceを生成する。
func NewSource(kv KeyValueWatcher, dispatcher events.EventDispatcher, logger *slog.Logger) *Source {
	return &Source{kv: kv, dispatcher: dispatcher, logger: logger}
}

// Start はコンテキストがキャンセルされるまでバケットを監視する。
// エントリはキー単位の順序を保つため受信順に1件ずつ処理する。
func (s *Source) Start(ctx context.Context) error {
	watcher, err := s.kv.WatchAll(nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to watch presence bucket: %w", err)
	}
	defer watcher.Stop()

	s.logger.Info("プレゼンスバケットの監視を開始しました")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("プレゼンスバケットの監視を停止しました")
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("presence watcher closed")
			}
			if entry == nil {
				// 初期値の再生が完了した
				s.logger.Info("プレゼンスの初期値の再生が完了しました")
				continue
			}
			ev, err := s.toEvent(ctx, entry)
			if err != nil {
				s.logger.Error("プレゼンスの変更前の値の取得に失敗しました",
					slog.String("key", entry.Key()),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.dispatcher.Dispatch(ctx, ev)
		}
	}
}

// toEvent はKVエントリを変更イベントに変換する。変更前の値は履歴から復元する。
func (s *Source) toEvent(ctx context.Context, entry nats.KeyValueEntry) (*model.ChangeEvent, error) {
	ev := &model.ChangeEvent{
		ID:         int64(entry.Revision()),
		Resource:   model.ResourcePresence,
		Key:        entry.Key(),
		OccurredAt: entry.Created(),
	}

	before, err := s.previousValue(ctx, entry)
	if err != nil {
		return nil, err
	}
	ev.Before = before

	switch entry.Operation() {
	case nats.KeyValueDelete, nats.KeyValuePurge:
		ev.Kind = model.EventDeleted
	default:
		ev.After = entry.Value()
		if before == nil {
			ev.Kind = model.EventCreated
		} else {
			ev.Kind = model.EventUpdated
		}
	}
	return ev, nil
}

// previousValue はentryより前の最新のPut値を返す。存在しない場合はnil。
func (s *Source) previousValue(ctx context.Context, entry nats.KeyValueEntry) ([]byte, error) {
	history, err := s.kv.History(entry.Key(), nats.Context(ctx))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var prev nats.KeyValueEntry
	for _, h := range history {
		if h.Revision() >= entry.Revision() {
			continue
		}
		if prev == nil || h.Revision() > prev.Revision() {
			prev = h
		}
	}
	if prev == nil || prev.Operation() != nats.KeyValuePut {
		return nil, nil
	}
	return prev.Value(), nil
}
