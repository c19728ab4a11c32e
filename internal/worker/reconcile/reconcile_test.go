package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/model"
)

// --- テスト用モック ---

type fakeCounters struct {
	mu    sync.Mutex
	items map[int64]*model.CounterSnapshot
	// onList はListCounterSnapshotsの直後に呼ばれる。読み取り後の並行更新を再現する。
	onList func()
}

func newFakeCounters(snaps ...model.CounterSnapshot) *fakeCounters {
	f := &fakeCounters{items: map[int64]*model.CounterSnapshot{}}
	for _, s := range snaps {
		s := s
		f.items[s.ItemID] = &s
	}
	return f
}

func (f *fakeCounters) IncrementCounter(_ context.Context, itemID int64, counter model.CounterKind, delta int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.items[itemID]
	if !ok {
		return 0, false, model.ErrItemNotFound
	}
	var p *int64
	switch counter {
	case model.CounterLikes:
		p = &s.LikeCount
	case model.CounterCollections:
		p = &s.CollectionCount
	default:
		return 0, false, errors.New("unsupported counter")
	}
	*p += delta
	clamped := false
	if *p < 0 {
		*p = 0
		clamped = true
	}
	return *p, clamped, nil
}

func (f *fakeCounters) ListCounterSnapshots(_ context.Context, afterID int64, limit int) ([]model.CounterSnapshot, error) {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.items))
	for id := range f.items {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.CounterSnapshot, len(ids))
	for i, id := range ids {
		out[i] = *f.items[id]
	}
	onList := f.onList
	f.mu.Unlock()

	if onList != nil {
		onList()
	}
	return out, nil
}

func (f *fakeCounters) get(id int64) model.CounterSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.items[id]
}

type fakeLedger struct {
	counts map[int64]model.LedgerCounts
	err    error
	calls  int
}

func (f *fakeLedger) Append(context.Context, *model.ReactionEvent) error { return nil }

func (f *fakeLedger) NetCounts(_ context.Context, ids []int64) (map[int64]model.LedgerCounts, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[int64]model.LedgerCounts{}
	for _, id := range ids {
		if c, ok := f.counts[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeLocker struct {
	held     bool
	released int
}

func (f *fakeLocker) TryLock(context.Context, int64) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func() {
		f.held = false
		f.released++
	}, true, nil
}

type recordingInvalidator struct {
	mu      sync.Mutex
	reasons []cache.Reason
}

func (r *recordingInvalidator) Invalidate(_ context.Context, m cache.Mutation) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, m.Reason)
	return 1, nil
}

func (r *recordingInvalidator) count(reason cache.Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.reasons {
		if got == reason {
			n++
		}
	}
	return n
}

func newTestJob(counters *fakeCounters, ledger *fakeLedger, locker *fakeLocker, inv *recordingInvalidator, cfg Config) *Job {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJob(counters, ledger, locker, inv, cfg, logger, nil)
}

// --- テスト ---

// TestRunOnce_CorrectsDriftedLikeCount はLedger上11件のいいねに対しカウンタが10の場合に
// 11へ補正され、いいね順のキャッシュが無効化されることをテストする。
func TestRunOnce_CorrectsDriftedLikeCount(t *testing.T) {
	counters := newFakeCounters(
		model.CounterSnapshot{ItemID: 1, LikeCount: 10, CollectionCount: 2},
		model.CounterSnapshot{ItemID: 2, LikeCount: 3, CollectionCount: 0},
	)
	ledger := &fakeLedger{counts: map[int64]model.LedgerCounts{
		1: {Likes: 11, Favorites: 2},
		2: {Likes: 3, Favorites: 0},
	}}
	inv := &recordingInvalidator{}
	job := newTestJob(counters, ledger, &fakeLocker{}, inv, Config{BatchSize: 10})

	result, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if got := counters.get(1).LikeCount; got != 11 {
		t.Errorf("like_count = %d, want 11", got)
	}
	if result.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", result.Scanned)
	}
	if result.Corrected != 1 {
		t.Fatalf("Corrected = %d, want 1", result.Corrected)
	}
	c := result.Corrections[0]
	if c.ItemID != 1 || c.Counter != model.CounterLikes || c.From != 10 || c.To != 11 {
		t.Errorf("Correction = %+v", c)
	}
	if inv.count(cache.ReasonLike) != 1 {
		t.Errorf("like invalidations = %d, want 1", inv.count(cache.ReasonLike))
	}
	if inv.count(cache.ReasonCollection) != 0 {
		t.Errorf("collection invalidations = %d, want 0", inv.count(cache.ReasonCollection))
	}
	if result.Coarse {
		t.Error("Coarse should be false for a single correction")
	}
}

// TestRunOnce_Idempotent は2回目の実行で補正が発生しないことをテストする。
func TestRunOnce_Idempotent(t *testing.T) {
	counters := newFakeCounters(
		model.CounterSnapshot{ItemID: 1, LikeCount: 10, CollectionCount: 5},
	)
	ledger := &fakeLedger{counts: map[int64]model.LedgerCounts{1: {Likes: 7, Favorites: 6}}}
	inv := &recordingInvalidator{}
	job := newTestJob(counters, ledger, &fakeLocker{}, inv, Config{})

	first, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}
	if first.Corrected != 2 {
		t.Fatalf("first Corrected = %d, want 2", first.Corrected)
	}

	second, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if second.Corrected != 0 {
		t.Errorf("second Corrected = %d, want 0", second.Corrected)
	}
	got := counters.get(1)
	if got.LikeCount != 7 || got.CollectionCount != 6 {
		t.Errorf("counters = %+v, want likes 7 collections 6", got)
	}
	if len(inv.reasons) != 2 {
		t.Errorf("invalidations = %v, want one like and one collection", inv.reasons)
	}
}

// TestRunOnce_NegativeLedgerClampedToZero はLedgerの正味件数が負でも0を目標にすることをテストする。
func TestRunOnce_NegativeLedgerClampedToZero(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 1, LikeCount: 2})
	ledger := &fakeLedger{counts: map[int64]model.LedgerCounts{1: {Likes: -1}}}
	job := newTestJob(counters, ledger, &fakeLocker{}, &recordingInvalidator{}, Config{})

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := counters.get(1).LikeCount; got != 0 {
		t.Errorf("like_count = %d, want 0", got)
	}
}

// TestRunOnce_ItemWithoutLedgerEntries はLedgerに記録がないアイテムのカウンタを0に戻すことをテストする。
func TestRunOnce_ItemWithoutLedgerEntries(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 5, LikeCount: 4, CollectionCount: 1})
	job := newTestJob(counters, &fakeLedger{}, &fakeLocker{}, &recordingInvalidator{}, Config{})

	result, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Corrected != 2 {
		t.Errorf("Corrected = %d, want 2", result.Corrected)
	}
	got := counters.get(5)
	if got.LikeCount != 0 || got.CollectionCount != 0 {
		t.Errorf("counters = %+v, want zeros", got)
	}
}

// TestRunOnce_PreservesConcurrentIncrement は読み取り後に反映されたイベントが補正で失われないことをテストする。
func TestRunOnce_PreservesConcurrentIncrement(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 1, LikeCount: 10})
	ledger := &fakeLedger{counts: map[int64]model.LedgerCounts{1: {Likes: 11}}}
	applied := false
	counters.onList = func() {
		if applied {
			return
		}
		applied = true
		// スナップショット取得後にコンシューマが+1を反映した想定
		if _, _, err := counters.IncrementCounter(context.Background(), 1, model.CounterLikes, 1); err != nil {
			t.Errorf("IncrementCounter() error = %v", err)
		}
	}
	job := newTestJob(counters, ledger, &fakeLocker{}, &recordingInvalidator{}, Config{})

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	// 10 + 1（並行反映） + 1（差分補正） = 12
	if got := counters.get(1).LikeCount; got != 12 {
		t.Errorf("like_count = %d, want 12", got)
	}
}

// TestRunOnce_PagesThroughBatches はバッチサイズ単位で全件を走査することをテストする。
func TestRunOnce_PagesThroughBatches(t *testing.T) {
	var snaps []model.CounterSnapshot
	counts := map[int64]model.LedgerCounts{}
	for id := int64(1); id <= 7; id++ {
		snaps = append(snaps, model.CounterSnapshot{ItemID: id, LikeCount: id})
		counts[id] = model.LedgerCounts{Likes: id}
	}
	counters := newFakeCounters(snaps...)
	ledger := &fakeLedger{counts: counts}
	job := newTestJob(counters, ledger, &fakeLocker{}, &recordingInvalidator{}, Config{BatchSize: 3})

	result, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Scanned != 7 {
		t.Errorf("Scanned = %d, want 7", result.Scanned)
	}
	if ledger.calls != 3 {
		t.Errorf("NetCounts calls = %d, want 3", ledger.calls)
	}
}

// TestRunOnce_CoarseInvalidation は補正件数が閾値を超えると完了時に一括無効化することをテストする。
func TestRunOnce_CoarseInvalidation(t *testing.T) {
	var snaps []model.CounterSnapshot
	for id := int64(1); id <= 6; id++ {
		snaps = append(snaps, model.CounterSnapshot{ItemID: id, LikeCount: 1})
	}
	counters := newFakeCounters(snaps...)
	inv := &recordingInvalidator{}
	job := newTestJob(counters, &fakeLedger{}, &fakeLocker{}, inv, Config{BatchSize: 2, CoarseThreshold: 3})

	result, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Corrected != 6 {
		t.Fatalf("Corrected = %d, want 6", result.Corrected)
	}
	if !result.Coarse {
		t.Error("Coarse should be true")
	}
	if inv.count(cache.ReasonCounterSweep) != 1 {
		t.Errorf("counter_sweep invalidations = %d, want 1", inv.count(cache.ReasonCounterSweep))
	}
	// 1バッチ目(累計0)と2バッチ目(累計2)は狭い無効化、3バッチ目(累計4)は省略
	if inv.count(cache.ReasonLike) != 2 {
		t.Errorf("like invalidations = %d, want 2", inv.count(cache.ReasonLike))
	}
}

// TestRunOnce_RejectsOverlap は他プロセスがロックを保持している場合にErrJobRunningを返すことをテストする。
func TestRunOnce_RejectsOverlap(t *testing.T) {
	locker := &fakeLocker{held: true}
	job := newTestJob(newFakeCounters(), &fakeLedger{}, locker, &recordingInvalidator{}, Config{})

	if _, err := job.RunOnce(context.Background()); !errors.Is(err, model.ErrJobRunning) {
		t.Errorf("RunOnce() error = %v, want ErrJobRunning", err)
	}
	if job.Running() {
		t.Error("in-process flag should be cleared after a rejected run")
	}
}

// TestRunOnce_RejectsInProcessOverlap は同一プロセスで実行中の場合にErrJobRunningを返すことをテストする。
func TestRunOnce_RejectsInProcessOverlap(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 1})
	job := newTestJob(counters, &fakeLedger{}, &fakeLocker{}, &recordingInvalidator{}, Config{})

	var nested error
	counters.onList = func() {
		_, nested = job.RunOnce(context.Background())
	}
	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !errors.Is(nested, model.ErrJobRunning) {
		t.Errorf("nested RunOnce() error = %v, want ErrJobRunning", nested)
	}
}

// TestRunOnce_ReleasesLock は完了後にロックを解放することをテストする。
func TestRunOnce_ReleasesLock(t *testing.T) {
	locker := &fakeLocker{}
	job := newTestJob(newFakeCounters(), &fakeLedger{}, locker, &recordingInvalidator{}, Config{})

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if locker.held || locker.released != 1 {
		t.Errorf("lock held=%v released=%d, want released once", locker.held, locker.released)
	}
}

// TestRunOnce_LedgerError はLedgerの集計失敗をエラーとして返すことをテストする。
func TestRunOnce_LedgerError(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 1, LikeCount: 1})
	job := newTestJob(counters, &fakeLedger{err: errors.New("db down")}, &fakeLocker{}, &recordingInvalidator{}, Config{})

	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Error("expected error when ledger fails")
	}
	if got := counters.get(1).LikeCount; got != 1 {
		t.Errorf("like_count = %d, want unchanged 1", got)
	}
}

// TestReconcileItem は指定アイテムのみを補正することをテストする。
func TestReconcileItem(t *testing.T) {
	counters := newFakeCounters(
		model.CounterSnapshot{ItemID: 1, LikeCount: 0},
		model.CounterSnapshot{ItemID: 2, LikeCount: 0, CollectionCount: 9},
	)
	ledger := &fakeLedger{counts: map[int64]model.LedgerCounts{
		1: {Likes: 4},
		2: {Favorites: 3},
	}}
	inv := &recordingInvalidator{}
	job := newTestJob(counters, ledger, &fakeLocker{}, inv, Config{})

	result, err := job.ReconcileItem(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReconcileItem() error = %v", err)
	}
	if result.Scanned != 1 || result.Corrected != 1 {
		t.Errorf("result = %+v, want 1 scanned 1 corrected", result)
	}
	if got := counters.get(2).CollectionCount; got != 3 {
		t.Errorf("collection_count = %d, want 3", got)
	}
	if got := counters.get(1).LikeCount; got != 0 {
		t.Errorf("item 1 should be untouched, like_count = %d", got)
	}
	if inv.count(cache.ReasonCollection) != 1 {
		t.Errorf("collection invalidations = %d, want 1", inv.count(cache.ReasonCollection))
	}
}

// TestReconcileItem_NotFound は存在しないアイテムでItemNotFoundを返すことをテストする。
func TestReconcileItem_NotFound(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 3})
	job := newTestJob(counters, &fakeLedger{}, &fakeLocker{}, &recordingInvalidator{}, Config{})

	_, err := job.ReconcileItem(context.Background(), 2)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeItemNotFound {
		t.Errorf("ReconcileItem() error = %v, want ITEM_NOT_FOUND", err)
	}
}

// TestRunInBackground は実行中の二重起動をErrJobRunningで拒否することをテストする。
func TestRunInBackground(t *testing.T) {
	counters := newFakeCounters(model.CounterSnapshot{ItemID: 1, LikeCount: 1})
	block := make(chan struct{})
	entered := make(chan struct{})
	counters.onList = func() {
		close(entered)
		<-block
	}
	job := newTestJob(counters, &fakeLedger{}, &fakeLocker{}, &recordingInvalidator{}, Config{})

	if err := job.RunInBackground(context.Background()); err != nil {
		t.Fatalf("RunInBackground() error = %v", err)
	}
	<-entered
	if err := job.RunInBackground(context.Background()); !errors.Is(err, model.ErrJobRunning) {
		t.Errorf("second RunInBackground() error = %v, want ErrJobRunning", err)
	}
	counters.mu.Lock()
	counters.onList = nil
	counters.mu.Unlock()
	close(block)
}
