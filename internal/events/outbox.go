package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/repository"
)

// EventDispatcher はイベントを処理するハンドラテーブルのインターフェース。
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev *model.ChangeEvent)
}

var _ EventDispatcher = (*Dispatcher)(nil)

// OutboxOptions はOutboxSourceの動作設定。
type OutboxOptions struct {
	BatchSize      int
	Lease          time.Duration
	PollInterval   time.Duration
	MaxConcurrency int
}

// OutboxSource はchange_eventsテーブルからイベントをリースしてディスパッチする。
// pg_notifyによる通知で起床し、通知を取りこぼした場合もポーリングで回収する。
// 同じ(リソース, キー)のイベントはid順に逐次処理し、異なるキーは並列に処理する。
type OutboxSource struct {
	repo       repository.ChangeEventRepository
	dispatcher EventDispatcher
	wake       <-chan *pq.Notification
	logger     *slog.Logger
	opts       OutboxOptions
}

// NewOutboxSource はOutboxSourceを生成する。
// wakeはpq.ListenerのNotifyチャンネル。nilの場合はポーリングのみで動作する。
func NewOutboxSource(
	repo repository.ChangeEventRepository,
	dispatcher EventDispatcher,
	wake <-chan *pq.Notification,
	logger *slog.Logger,
	opts OutboxOptions,
) *OutboxSource {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 10
	}
	return &OutboxSource{
		repo:       repo,
		dispatcher: dispatcher,
		wake:       wake,
		logger:     logger,
		opts:       opts,
	}
}

// Start はコンテキストがキャンセルされるまでイベントの取得と処理を繰り返す。
func (s *OutboxSource) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("変更イベントの購読を開始しました",
		slog.Duration("poll_interval", s.opts.PollInterval),
		slog.Int("batch_size", s.opts.BatchSize),
		slog.Int("max_concurrency", s.opts.MaxConcurrency),
	)

	// 起動直後に滞留分を処理
	s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("変更イベントの購読を停止しました")
			return
		case _, ok := <-s.wake:
			if !ok {
				s.wake = nil
				continue
			}
			// nil通知は再接続を意味する。切断中の通知は失われているため同様に回収する
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain はバッチが満杯の間、続けて取得と処理を行う。
func (s *OutboxSource) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("変更イベントの取得に失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
		if n < s.opts.BatchSize {
			return
		}
	}
}

// RunOnce はイベントを1バッチ取得して処理し、取得件数を返す。
func (s *OutboxSource) RunOnce(ctx context.Context) (int, error) {
	batch, err := s.repo.Claim(ctx, s.opts.BatchSize, s.opts.Lease)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	groups := groupByKey(batch)

	// semaphoreパターンでキーグループの並列数を制御
	sem := make(chan struct{}, s.opts.MaxConcurrency)
	var wg sync.WaitGroup

	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}

		go func(evs []*model.ChangeEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processGroup(ctx, evs)
		}(group)
	}

	wg.Wait()
	return len(batch), nil
}

// processGroup は同一キーのイベントをid順に処理し、処理後にAckする。
func (s *OutboxSource) processGroup(ctx context.Context, evs []*model.ChangeEvent) {
	for _, ev := range evs {
		if ctx.Err() != nil {
			// 停止中のイベントはリース切れ後に再配信される
			return
		}

		s.dispatcher.Dispatch(ctx, ev)

		if ctx.Err() != nil {
			s.logger.Warn("停止中のためイベントを未確認のまま残します",
				slog.Int64("event_id", ev.ID),
				slog.String("resource", ev.Resource),
				slog.String("key", ev.Key),
			)
			return
		}
		if err := s.repo.Ack(ctx, ev.ID); err != nil {
			// Ackに失敗したイベントはリース切れ後に再配信される
			s.logger.Error("変更イベントの確認に失敗しました",
				slog.Int64("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// groupByKey はバッチを(リソース, キー)ごとに分け、各グループ内のid順を保つ。
func groupByKey(batch []*model.ChangeEvent) [][]*model.ChangeEvent {
	index := make(map[[2]string]int)
	var groups [][]*model.ChangeEvent
	for _, ev := range batch {
		k := [2]string{ev.Resource, ev.Key}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}
