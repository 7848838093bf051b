package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stockwatch/internal/joinrequest"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/middleware"
)

const routerTestSecret = "router-secret"

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func newTestRouter(t *testing.T, svc JoinRequester, checker HealthChecker, burst int) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	rl := middleware.NewRateLimiter("join_request", middleware.RateLimiterConfig{
		Rate:            0.01,
		Burst:           burst,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	return NewRouter(&RouterDeps{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Verifier:      middleware.NewHMACVerifier(routerTestSecret),
		RateLimiter:   rl,
		HealthChecker: checker,
		Gatherer:      reg,
		JoinService:   svc,
	})
}

func bearer(t *testing.T, subject, email string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: email,
	}).SignedString([]byte(routerTestSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + token
}

func TestRouter_JoinRequest_Authenticated(t *testing.T) {
	var got joinrequest.Caller
	svc := &mockJoinRequester{
		requestToJoinFn: func(ctx context.Context, caller joinrequest.Caller, restaurantID string) (*joinrequest.Result, error) {
			got = caller
			return &joinrequest.Result{Success: true}, nil
		},
	}
	router := newTestRouter(t, svc, nil, 10)

	req := httptest.NewRequest(http.MethodPost, "/api/join-requests", strings.NewReader(`{"restaurantId":"r-1"}`))
	req.Header.Set("Authorization", bearer(t, "user-42", "u42@example.com"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got.UserID != "user-42" || got.Email != "u42@example.com" {
		t.Errorf("caller = %+v", got)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request ID header")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestRouter_JoinRequest_Unauthenticated(t *testing.T) {
	router := newTestRouter(t, &mockJoinRequester{}, nil, 10)

	req := httptest.NewRequest(http.MethodPost, "/api/join-requests", strings.NewReader(`{"restaurantId":"r-1"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_JoinRequest_RateLimited(t *testing.T) {
	router := newTestRouter(t, &mockJoinRequester{}, nil, 1)
	auth := bearer(t, "user-rl", "")

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/join-requests", strings.NewReader(`{"restaurantId":"r-1"}`))
		req.Header.Set("Authorization", auth)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, &mockJoinRequester{}, nil, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/join-requests", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", ""))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t, &mockJoinRequester{}, &mockHealthChecker{}, 10)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRouter_Health_DatabaseDown(t *testing.T) {
	checker := &mockHealthChecker{
		pingFn: func(ctx context.Context) error { return errors.New("connection refused") },
	}
	router := newTestRouter(t, &mockJoinRequester{}, checker, 10)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_Metrics(t *testing.T) {
	router := newTestRouter(t, &mockJoinRequester{}, nil, 10)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "stockwatch_session_tokens_cleared_total") {
		t.Error("expected stockwatch metrics in scrape output")
	}
}
