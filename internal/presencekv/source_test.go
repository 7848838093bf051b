package presencekv

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hitoshi/stockwatch/internal/model"
)

// --- モック定義 ---

// fakeEntry はnats.KeyValueEntryのテスト用実装。
type fakeEntry struct {
	key   string
	value []byte
	rev   uint64
	op    nats.KeyValueOp
}

func (e *fakeEntry) Bucket() string             { return "PRESENCE_STATUS" }
func (e *fakeEntry) Key() string                { return e.key }
func (e *fakeEntry) Value() []byte              { return e.value }
func (e *fakeEntry) Revision() uint64           { return e.rev }
func (e *fakeEntry) Created() time.Time         { return time.Unix(int64(e.rev), 0) }
func (e *fakeEntry) Delta() uint64              { return 0 }
func (e *fakeEntry) Operation() nats.KeyValueOp { return e.op }

// fakeWatcher はnats.KeyWatcherのテスト用実装。
type fakeWatcher struct {
	updates chan nats.KeyValueEntry
	stopped bool
}

func (w *fakeWatcher) Context() context.Context           { return context.Background() }
func (w *fakeWatcher) Updates() <-chan nats.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.stopped = true
	return nil
}

// fakeKV はKeyValueWatcherのテスト用実装。書き込み済みの全履歴を保持する。
type fakeKV struct {
	watcher *fakeWatcher
	history map[string][]nats.KeyValueEntry
}

func (kv *fakeKV) WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error) {
	return kv.watcher, nil
}

func (kv *fakeKV) History(key string, opts ...nats.WatchOpt) ([]nats.KeyValueEntry, error) {
	h, ok := kv.history[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return h, nil
}

// collectingDispatcher は受け取ったイベントを記録する。
type collectingDispatcher struct {
	mu     sync.Mutex
	events []*model.ChangeEvent
	got    chan struct{}
}

func (d *collectingDispatcher) Dispatch(ctx context.Context, ev *model.ChangeEvent) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	d.got <- struct{}{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func presenceValue(t *testing.T, state, token string) []byte {
	t.Helper()
	v := map[string]any{"state": state}
	if token != "" {
		v["session_token"] = token
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSource_ToEvent_RecoversBeforeFromHistory(t *testing.T) {
	online := &fakeEntry{key: "u-1", value: presenceValue(t, "online", "s1"), rev: 3, op: nats.KeyValuePut}
	offline := &fakeEntry{key: "u-1", value: presenceValue(t, "offline", ""), rev: 7, op: nats.KeyValuePut}
	kv := &fakeKV{history: map[string][]nats.KeyValueEntry{
		"u-1": {
			&fakeEntry{key: "u-1", value: presenceValue(t, "offline", ""), rev: 1, op: nats.KeyValuePut},
			online,
			offline,
		},
	}}
	s := NewSource(kv, nil, discardLogger())

	ev, err := s.toEvent(context.Background(), offline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != model.EventUpdated || ev.Resource != model.ResourcePresence || ev.Key != "u-1" || ev.ID != 7 {
		t.Errorf("unexpected event: %+v", ev)
	}

	var before, after model.PresenceSnapshot
	json.Unmarshal(ev.Before, &before)
	json.Unmarshal(ev.After, &after)
	if before.Token() != "s1" || !after.IsOffline() {
		t.Errorf("before token = %q, after offline = %v", before.Token(), after.IsOffline())
	}
}

func TestSource_ToEvent_FirstWriteIsCreated(t *testing.T) {
	first := &fakeEntry{key: "u-2", value: presenceValue(t, "online", "s1"), rev: 1, op: nats.KeyValuePut}
	kv := &fakeKV{history: map[string][]nats.KeyValueEntry{"u-2": {first}}}
	s := NewSource(kv, nil, discardLogger())

	ev, err := s.toEvent(context.Background(), first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != model.EventCreated || ev.HasBefore() {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestSource_ToEvent_Delete(t *testing.T) {
	put := &fakeEntry{key: "u-3", value: presenceValue(t, "online", "s1"), rev: 1, op: nats.KeyValuePut}
	del := &fakeEntry{key: "u-3", rev: 2, op: nats.KeyValueDelete}
	kv := &fakeKV{history: map[string][]nats.KeyValueEntry{"u-3": {put, del}}}
	s := NewSource(kv, nil, discardLogger())

	ev, err := s.toEvent(context.Background(), del)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != model.EventDeleted || ev.HasAfter() || !ev.HasBefore() {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestSource_ToEvent_PreviousDeleteHasNoBefore(t *testing.T) {
	del := &fakeEntry{key: "u-4", rev: 4, op: nats.KeyValueDelete}
	put := &fakeEntry{key: "u-4", value: presenceValue(t, "online", "s2"), rev: 5, op: nats.KeyValuePut}
	kv := &fakeKV{history: map[string][]nats.KeyValueEntry{"u-4": {del, put}}}
	s := NewSource(kv, nil, discardLogger())

	ev, err := s.toEvent(context.Background(), put)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.HasBefore() || ev.Kind != model.EventCreated {
		t.Errorf("write after delete should look like a creation: %+v", ev)
	}
}

func TestSource_Start_DispatchesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e1 := &fakeEntry{key: "u-1", value: presenceValue(t, "online", "s1"), rev: 1, op: nats.KeyValuePut}
	e2 := &fakeEntry{key: "u-1", value: presenceValue(t, "offline", ""), rev: 2, op: nats.KeyValuePut}
	watcher := &fakeWatcher{updates: make(chan nats.KeyValueEntry, 4)}
	kv := &fakeKV{watcher: watcher, history: map[string][]nats.KeyValueEntry{"u-1": {e1, e2}}}
	disp := &collectingDispatcher{got: make(chan struct{}, 4)}
	s := NewSource(kv, disp, discardLogger())

	watcher.updates <- e1
	watcher.updates <- nil
	watcher.updates <- e2

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-disp.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if len(disp.events) != 2 || disp.events[0].ID != 1 || disp.events[1].ID != 2 {
		t.Fatalf("events = %+v", disp.events)
	}
	if disp.events[1].Kind != model.EventUpdated {
		t.Errorf("second event kind = %s, want updated", disp.events[1].Kind)
	}
	if !watcher.stopped {
		t.Error("watcher should be stopped")
	}
}

func TestSource_Start_ClosedWatcherIsError(t *testing.T) {
	watcher := &fakeWatcher{updates: make(chan nats.KeyValueEntry)}
	close(watcher.updates)
	s := NewSource(&fakeKV{watcher: watcher}, &collectingDispatcher{got: make(chan struct{}, 1)}, discardLogger())

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error when the watcher closes unexpectedly")
	}
}
