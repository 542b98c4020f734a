package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(method, path, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	return req
}

// --- API全般のレート制限のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(http.MethodGet, "/api/events", "203.0.113.1:50000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     0.5, // 2秒に1トークン
		GeneralBurst:    2,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/api/sources", "203.0.113.1:1234"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/api/sources", "203.0.113.1:1234"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// 同じIPはポートが違っても同一クライアントとして扱う
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/", "198.51.100.7:1000"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/", "198.51.100.7:2000"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("同一IPの2回目: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom(http.MethodGet, "/", "198.51.100.8:1000"))
	if w.Code != http.StatusOK {
		t.Errorf("別IPのリクエスト: status = %d, want 200", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}
}

// --- 手動同期のレート制限のテスト ---

func TestSyncRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		SyncRate:        0.1,
		SyncBurst:       1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	// General -> Sync -> Handler
	syncHandler := rl.GeneralMiddleware()(rl.SyncMiddleware()(okHandler()))
	readHandler := rl.GeneralMiddleware()(okHandler())
	addr := "192.0.2.10:4000"

	w := httptest.NewRecorder()
	syncHandler.ServeHTTP(w, requestFrom(http.MethodPost, "/api/sources/s1/sync", addr))
	if w.Code != http.StatusOK {
		t.Fatalf("1回目の同期: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	syncHandler.ServeHTTP(w, requestFrom(http.MethodPost, "/api/sources/s1/sync", addr))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("2回目の同期: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "10" {
		t.Errorf("Retry-After = %q, want 10", w.Header().Get("Retry-After"))
	}

	// 読み取り系は同期の制限に影響されない
	w = httptest.NewRecorder()
	readHandler.ServeHTTP(w, requestFrom(http.MethodGet, "/api/events", addr))
	if w.Code != http.StatusOK {
		t.Errorf("読み取り: status = %d, want 200", w.Code)
	}
	if rl.SyncLimiterCount() != 1 {
		t.Errorf("SyncLimiterCount = %d, want 1", rl.SyncLimiterCount())
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodGet, "/", "203.0.113.50:1"))
	rl.SyncMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom(http.MethodPost, "/", "203.0.113.50:1"))
	if rl.GeneralLimiterCount() != 1 || rl.SyncLimiterCount() != 1 {
		t.Fatal("expected one limiter entry per set")
	}

	// TTLはCleanupIntervalの2倍（100ms）。300ms待てば削除される
	time.Sleep(300 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 general entries after cleanup, got %d", count)
	}
	if count := rl.SyncLimiterCount(); count != 0 {
		t.Errorf("expected 0 sync entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.1:8080", "203.0.113.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.1", "203.0.113.1"},
	}
	for _, tt := range tests {
		req := requestFrom(http.MethodGet, "/", tt.remoteAddr)
		if got := ClientKey(req); got != tt.want {
			t.Errorf("ClientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SyncRate == 0 {
		t.Error("SyncRate should not be 0")
	}
	if cfg.SyncBurst != 10 {
		t.Errorf("SyncBurst = %d, want 10", cfg.SyncBurst)
	}
}
