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

func actorRequest(actorID int64) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	return req.WithContext(ContextWithActorID(req.Context(), actorID))
}

func testRateConfig(generalBurst, reactionBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		ReactionRate:    0.5,
		ReactionBurst:   reactionBurst,
		CleanupInterval: time.Minute,
	}
}

// --- GeneralMiddleware のテスト ---

func TestGeneralMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(5, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, actorRequest(1))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestGeneralMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(2, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), actorRequest(1))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, actorRequest(1))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message and action should not be empty")
	}
}

func TestGeneralMiddleware_IsolatesActors(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), actorRequest(1))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, actorRequest(1))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("actor 1 second request: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, actorRequest(2))
	if w.Code != http.StatusOK {
		t.Errorf("actor 2: status = %d, want 200", w.Code)
	}
}

// TestGeneralMiddleware_AnonymousKeyedByIP は匿名リクエストが接続元IPで制限されることをテストする。
func TestGeneralMiddleware_AnonymousKeyedByIP(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	newReq := func(addr string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
		req.RemoteAddr = addr
		return req
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newReq("192.0.2.1:1234"))
	if w.Code != http.StatusOK {
		t.Fatalf("first anonymous request: status = %d, want 200", w.Code)
	}

	// 同じIPの別ポートは同じクライアントとして扱う
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newReq("192.0.2.1:5678"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newReq("192.0.2.2:1234"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", w.Code)
	}
}

func TestClientKey(t *testing.T) {
	if got := ClientKey(actorRequest(42)); got != "actor:42" {
		t.Errorf("ClientKey(actor) = %q, want actor:42", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	if got := ClientKey(req); got != "ip:198.51.100.7" {
		t.Errorf("ClientKey(anonymous) = %q, want ip:198.51.100.7", got)
	}

	req.RemoteAddr = "unix-socket"
	if got := ClientKey(req); got != "ip:unix-socket" {
		t.Errorf("ClientKey(no port) = %q, want ip:unix-socket", got)
	}
}

// --- ReactionMiddleware のテスト ---

func TestReactionMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(10, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	reactions := rl.ReactionMiddleware()(okHandler())

	w := httptest.NewRecorder()
	reactions.ServeHTTP(w, actorRequest(1))
	if w.Code != http.StatusOK {
		t.Fatalf("first reaction: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	reactions.ServeHTTP(w, actorRequest(1))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second reaction: status = %d, want 429", w.Code)
	}
	// ReactionRate 0.5 req/sec なのでRetry-Afterは2秒
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, actorRequest(1))
	if w.Code != http.StatusOK {
		t.Errorf("general after reaction limit: status = %d, want 200", w.Code)
	}
	if rl.ReactionLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.ReactionLimiterCount())
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateConfig(5, 5)
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), actorRequest(7))
	rl.ReactionMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), actorRequest(7))

	if rl.GeneralLimiterCount() == 0 || rl.ReactionLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLは50ms * 2 = 100ms。300ms待てば削除される
	time.Sleep(300 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("general entries after cleanup = %d, want 0", count)
	}
	if count := rl.ReactionLimiterCount(); count != 0 {
		t.Errorf("reaction entries after cleanup = %d, want 0", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.ReactionBurst != 60 {
		t.Errorf("ReactionBurst = %d, want 60", cfg.ReactionBurst)
	}
	if float64(cfg.GeneralRate) != 2.0 {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if float64(cfg.ReactionRate) != 1.0 {
		t.Errorf("ReactionRate = %v, want 1", cfg.ReactionRate)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestNewRateLimiterConfig_FallsBackOnNonPositive(t *testing.T) {
	cfg := NewRateLimiterConfig(0, -1)

	if cfg.GeneralBurst != 120 || cfg.ReactionBurst != 60 {
		t.Errorf("bursts = (%d, %d), want (120, 60)", cfg.GeneralBurst, cfg.ReactionBurst)
	}
}
