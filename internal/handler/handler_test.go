package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/hitoshi/waterfall/internal/feed"
	"github.com/hitoshi/waterfall/internal/item"
	"github.com/hitoshi/waterfall/internal/middleware"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/worker/reconcile"
)

// --- モック定義 ---

// mockFeedPager はFeedPagerのモック実装。
type mockFeedPager struct {
	got         []model.FeedQuery
	fetchPageFn func(q model.FeedQuery) (*feed.Page, error)
}

func (m *mockFeedPager) FetchPage(_ context.Context, q model.FeedQuery) (*feed.Page, error) {
	m.got = append(m.got, q)
	if m.fetchPageFn != nil {
		return m.fetchPageFn(q)
	}
	return &feed.Page{}, nil
}

// mockItemService はItemServiceInterfaceのモック実装。
type mockItemService struct {
	getFn      func(itemID int64) (*model.FeedItem, error)
	uploadFn   func(actorID int64, in item.UploadInput) (*model.FeedItem, error)
	editFn     func(actorID, itemID int64, in item.EditInput) (*model.FeedItem, error)
	moderateFn func(itemID int64, status model.ItemStatus) (*model.FeedItem, error)
	deleteFn   func(actorID, itemID int64) error
}

func (m *mockItemService) Get(_ context.Context, itemID int64) (*model.FeedItem, error) {
	if m.getFn != nil {
		return m.getFn(itemID)
	}
	return nil, model.NewItemNotFoundError(itemID)
}

func (m *mockItemService) Upload(_ context.Context, actorID int64, in item.UploadInput) (*model.FeedItem, error) {
	if m.uploadFn != nil {
		return m.uploadFn(actorID, in)
	}
	return &model.FeedItem{ID: 1, OwnerID: actorID}, nil
}

func (m *mockItemService) Edit(_ context.Context, actorID, itemID int64, in item.EditInput) (*model.FeedItem, error) {
	if m.editFn != nil {
		return m.editFn(actorID, itemID, in)
	}
	return &model.FeedItem{ID: itemID, OwnerID: actorID}, nil
}

func (m *mockItemService) Moderate(_ context.Context, itemID int64, status model.ItemStatus) (*model.FeedItem, error) {
	if m.moderateFn != nil {
		return m.moderateFn(itemID, status)
	}
	return &model.FeedItem{ID: itemID, Status: status}, nil
}

func (m *mockItemService) Delete(_ context.Context, actorID, itemID int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(actorID, itemID)
	}
	return nil
}

// mockReactor はReactorのモック実装。
type mockReactor struct {
	reactFn func(actorID, itemID int64, t model.ReactionType, op model.ReactionOp) (*model.ReactionEvent, error)
}

func (m *mockReactor) React(_ context.Context, actorID, itemID int64, t model.ReactionType, op model.ReactionOp) (*model.ReactionEvent, error) {
	if m.reactFn != nil {
		return m.reactFn(actorID, itemID, t, op)
	}
	return &model.ReactionEvent{EventID: "evt-1", TargetID: itemID, ReactionType: t, Operation: op, ActorID: actorID}, nil
}

// mockReconciler はReconcilerのモック実装。
type mockReconciler struct {
	backgroundErr error
	started       int
	itemFn        func(itemID int64) (*reconcile.Result, error)
}

func (m *mockReconciler) RunInBackground(context.Context) error {
	if m.backgroundErr != nil {
		return m.backgroundErr
	}
	m.started++
	return nil
}

func (m *mockReconciler) ReconcileItem(_ context.Context, itemID int64) (*reconcile.Result, error) {
	if m.itemFn != nil {
		return m.itemFn(itemID)
	}
	return &reconcile.Result{Scanned: 1}, nil
}

// mockPinger はHealthCheckerとComponentCheckerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error { return m.err }
func (m *mockPinger) Ping(context.Context) error        { return m.err }

// --- テストヘルパー ---

const testAdminToken = "admin-secret"

type testDeps struct {
	pager      *mockFeedPager
	items      *mockItemService
	reactor    *mockReactor
	reconciler *mockReconciler
	db         *mockPinger
	redis      *mockPinger
}

func newTestRouter(t *testing.T) (http.Handler, *testDeps) {
	t.Helper()
	d := &testDeps{
		pager:      &mockFeedPager{},
		items:      &mockItemService{},
		reactor:    &mockReactor{},
		reconciler: &mockReconciler{},
		db:         &mockPinger{},
		redis:      &mockPinger{},
	}
	router := NewRouter(&RouterDeps{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminToken:    testAdminToken,
		HealthChecker: d.db,
		Components:    map[string]ComponentChecker{"redis": d.redis},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		FeedPager:   d.pager,
		ItemService: d.items,
		Reactor:     d.reactor,
		Reconciler:  d.reconciler,
	})
	return router, d
}

// doRequest はルーターにリクエストを送り、レスポンスを返す。
// actorIDが0の場合は匿名リクエストとして送る。
func doRequest(t *testing.T, h http.Handler, method, target, body string, actorID int64, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID > 0 {
		req.Header.Set(middleware.ActorHeader, strconv.FormatInt(actorID, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}
