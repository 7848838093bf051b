package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// NewListener はchannelをLISTENするpq.Listenerを生成する。
// 接続イベントはloggerに記録する。
func NewListener(databaseURL, channel string, logger *slog.Logger) (*pq.Listener, error) {
	callback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("通知リスナーが接続しました", slog.String("channel", channel))
		case pq.ListenerEventDisconnected:
			attrs := []any{slog.String("channel", channel)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.Warn("通知リスナーが切断されました", attrs...)
		case pq.ListenerEventReconnected:
			logger.Info("通知リスナーが再接続しました", slog.String("channel", channel))
		case pq.ListenerEventConnectionAttemptFailed:
			if err != nil {
				logger.Warn("通知リスナーの接続に失敗しました", slog.String("error", err.Error()))
			}
		}
	}

	l := pq.NewListener(databaseURL, 10*time.Second, time.Minute, callback)
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return l, nil
}
