package joinrequest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/repository"
	"github.com/hitoshi/stockwatch/internal/security"
)

// --- モック定義 ---

// memStore はリポジトリ群のインメモリ実装。
type memStore struct {
	restaurants   map[string]bool
	users         map[string]*model.User
	joinRequests  map[[2]string]*model.JoinRequest
	notifications []*model.Notification

	existsErr      error
	upsertErr      error
	createBatchErr error
	upsertCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		restaurants:  map[string]bool{},
		users:        map[string]*model.User{},
		joinRequests: map[[2]string]*model.JoinRequest{},
	}
}

func (m *memStore) Exists(ctx context.Context, id string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.restaurants[id], nil
}

func (m *memStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

func (m *memStore) ListAdminsByRestaurant(ctx context.Context, restaurantID string) ([]*model.User, error) {
	var admins []*model.User
	for _, u := range m.users {
		if u.RestaurantID == restaurantID && u.Role.IsAdmin() {
			admins = append(admins, u)
		}
	}
	return admins, nil
}

func (m *memStore) ClearSessionTokenIfMatch(ctx context.Context, userID, token string) (repository.SessionClearResult, error) {
	return repository.SessionSuperseded, nil
}

func (m *memStore) ClearFCMTokenIfMatch(ctx context.Context, userID, token string) (bool, error) {
	return false, nil
}

func (m *memStore) Upsert(ctx context.Context, req *model.JoinRequest) error {
	m.upsertCalls++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	copied := *req
	m.joinRequests[[2]string{req.RestaurantID, req.UserID}] = &copied
	return nil
}

func (m *memStore) CreateBatch(ctx context.Context, notifications []*model.Notification) error {
	if m.createBatchErr != nil {
		return m.createBatchErr
	}
	m.notifications = append(m.notifications, notifications...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestService(store *memStore) *Service {
	s := NewService(store, store, store, store, security.NewDisplayNameSanitizer(), discardLogger(), nil)
	seq := 0
	s.newID = func() string {
		seq++
		return fmt.Sprintf("n-%d", seq)
	}
	return s
}

func seed(store *memStore, adminCount int) {
	store.restaurants["r-1"] = true
	store.users["caller"] = &model.User{ID: "caller", DisplayName: "Ann", Email: "ann@profile.example", Role: model.RolePending}
	for i := 0; i < adminCount; i++ {
		role := model.RoleAdmin
		if i == 0 {
			role = model.RoleOwner
		}
		id := fmt.Sprintf("admin-%d", i)
		store.users[id] = &model.User{ID: id, Role: role, RestaurantID: "r-1"}
	}
	store.users["staff"] = &model.User{ID: "staff", Role: model.RoleStaff, RestaurantID: "r-1"}
}

func assertAPIError(t *testing.T, err error, code, reason string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %v", err)
	}
	if apiErr.Code != code || apiErr.Reason != reason {
		t.Errorf("error = %s/%s, want %s/%s", apiErr.Code, apiErr.Reason, code, reason)
	}
}

func TestRequestToJoin_Unauthenticated(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	s := newTestService(store)

	_, err := s.RequestToJoin(context.Background(), Caller{}, "r-1")
	assertAPIError(t, err, model.ErrCodeUnauthenticated, "")
	if store.upsertCalls != 0 {
		t.Error("no join request should be written")
	}
}

func TestRequestToJoin_EmptyRestaurantID(t *testing.T) {
	s := newTestService(newMemStore())

	_, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "  ")
	assertAPIError(t, err, model.ErrCodeInvalidArgument, "")
}

func TestRequestToJoin_RestaurantNotFound(t *testing.T) {
	store := newMemStore()
	seed(store, 2)
	s := newTestService(store)

	_, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "missing")
	assertAPIError(t, err, model.ErrCodeNotFound, model.ReasonRestaurantNotFound)
	if len(store.joinRequests) != 0 || store.upsertCalls != 0 {
		t.Error("no join request should be created")
	}
	if len(store.notifications) != 0 {
		t.Error("no notifications should be created")
	}
}

func TestRequestToJoin_NoAdmins(t *testing.T) {
	store := newMemStore()
	seed(store, 0)
	s := newTestService(store)

	res, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller", Email: "ann@token.example"}, "r-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if len(store.notifications) != 0 {
		t.Errorf("notifications = %d, want 0", len(store.notifications))
	}
	if store.joinRequests[[2]string{"r-1", "caller"}] == nil {
		t.Error("join request should still be created")
	}
}

func TestRequestToJoin_NotifiesEveryAdminWithSameTimestamp(t *testing.T) {
	store := newMemStore()
	seed(store, 3)
	s := newTestService(store)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	res, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller", Email: "ann@token.example"}, "r-1")
	if err != nil || !res.Success {
		t.Fatalf("RequestToJoin = %v, %v", res, err)
	}

	if len(store.notifications) != 3 {
		t.Fatalf("notifications = %d, want 3", len(store.notifications))
	}
	recipients := map[string]bool{}
	for _, n := range store.notifications {
		recipients[n.UserID] = true
		if !n.CreatedAt.Equal(fixed) {
			t.Errorf("createdAt = %v, want %v", n.CreatedAt, fixed)
		}
		if n.Title != "New Join Request" || n.Type != model.NotificationJoinRequest || n.IsRead {
			t.Errorf("unexpected notification: %+v", n)
		}
		if n.Body == nil || *n.Body != "Ann has requested to join your restaurant." {
			t.Errorf("body = %v", n.Body)
		}
	}
	if recipients["staff"] || recipients["caller"] {
		t.Error("only owners and admins should be notified")
	}

	req := store.joinRequests[[2]string{"r-1", "caller"}]
	if req.UserEmail != "ann@token.example" || req.Status != model.JoinRequestPending || !req.CreatedAt.Equal(fixed) {
		t.Errorf("join request = %+v", req)
	}
}

func TestRequestToJoin_ReinvokeOverwrites(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	s := newTestService(store)

	first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	if _, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	second := first.Add(time.Hour)
	s.now = func() time.Time { return second }
	store.users["caller"].DisplayName = "Ann Lee"
	if _, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1"); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if len(store.joinRequests) != 1 {
		t.Fatalf("join requests = %d, want 1", len(store.joinRequests))
	}
	req := store.joinRequests[[2]string{"r-1", "caller"}]
	if req.UserDisplayName != "Ann Lee" || !req.CreatedAt.Equal(second) {
		t.Errorf("join request not overwritten: %+v", req)
	}
}

func TestRequestToJoin_FallbackNameAndProfileEmail(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	store.users["caller"].DisplayName = "  <b></b> "
	s := newTestService(store)

	if _, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := store.joinRequests[[2]string{"r-1", "caller"}]
	if req.UserDisplayName != "No Name" {
		t.Errorf("display name = %q, want No Name", req.UserDisplayName)
	}
	if req.UserEmail != "ann@profile.example" {
		t.Errorf("email = %q, want profile email", req.UserEmail)
	}
	if *store.notifications[0].Body != "No Name has requested to join your restaurant." {
		t.Errorf("body = %q", *store.notifications[0].Body)
	}
}

func TestRequestToJoin_MissingProfileUsesFallback(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	delete(store.users, "caller")
	s := newTestService(store)

	res, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller", Email: "ann@token.example"}, "r-1")
	if err != nil || !res.Success {
		t.Fatalf("RequestToJoin = %v, %v", res, err)
	}
	req := store.joinRequests[[2]string{"r-1", "caller"}]
	if req.UserDisplayName != "No Name" || req.UserEmail != "ann@token.example" {
		t.Errorf("join request = %+v", req)
	}
}

func TestRequestToJoin_SanitizesDisplayName(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	store.users["caller"].DisplayName = `<img src=x onerror=alert(1)>Ann`
	s := newTestService(store)

	if _, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := *store.notifications[0].Body; strings.Contains(body, "<") {
		t.Errorf("body should be plain text, got %q", body)
	}
}

func TestRequestToJoin_FanoutFailureKeepsJoinRequest(t *testing.T) {
	var buf bytes.Buffer
	store := newMemStore()
	seed(store, 2)
	store.createBatchErr = errors.New("tx aborted")
	s := newTestService(store)
	s.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	_, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1")
	assertAPIError(t, err, model.ErrCodeInternal, "")

	if store.joinRequests[[2]string{"r-1", "caller"}] == nil {
		t.Error("join request should persist after fan-out failure")
	}
	if len(store.notifications) != 0 {
		t.Errorf("notifications = %d, want 0", len(store.notifications))
	}
	if !strings.Contains(buf.String(), "tx aborted") {
		t.Errorf("cause should be logged, got: %s", buf.String())
	}
	if strings.Contains(err.Error(), "tx aborted") {
		t.Error("internal cause must not leak to the caller")
	}
}

func TestRequestToJoin_StoreErrorIsInternal(t *testing.T) {
	store := newMemStore()
	seed(store, 1)
	store.existsErr = errors.New("connection refused")
	s := newTestService(store)

	_, err := s.RequestToJoin(context.Background(), Caller{UserID: "caller"}, "r-1")
	assertAPIError(t, err, model.ErrCodeInternal, "")
}
