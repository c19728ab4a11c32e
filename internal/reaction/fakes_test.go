package reaction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/waterfall/internal/model"
)

// --- テスト用モック ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDelivery は応答を記録するDelivery。
type fakeDelivery struct {
	data      []byte
	delivered uint64
	acked     bool
	nakDelay  time.Duration
	naked     bool
	termed    bool
}

func (d *fakeDelivery) Data() []byte         { return d.data }
func (d *fakeDelivery) NumDelivered() uint64 { return d.delivered }
func (d *fakeDelivery) Ack() error {
	d.acked = true
	return nil
}
func (d *fakeDelivery) NakWithDelay(delay time.Duration) error {
	d.naked = true
	d.nakDelay = delay
	return nil
}
func (d *fakeDelivery) Term() error {
	d.termed = true
	return nil
}

// responses は応答の回数を返す。1件の配信には必ず1回だけ応答する。
func (d *fakeDelivery) responses() int {
	n := 0
	for _, b := range []bool{d.acked, d.naked, d.termed} {
		if b {
			n++
		}
	}
	return n
}

// mockCounterRepo はメモリ上のカウンタ。
type mockCounterRepo struct {
	mu       sync.Mutex
	values   map[int64]map[model.CounterKind]int64
	failWith error
}

func newMockCounterRepo(ids ...int64) *mockCounterRepo {
	r := &mockCounterRepo{values: make(map[int64]map[model.CounterKind]int64)}
	for _, id := range ids {
		r.values[id] = make(map[model.CounterKind]int64)
	}
	return r
}

func (r *mockCounterRepo) IncrementCounter(_ context.Context, itemID int64, counter model.CounterKind, delta int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return 0, false, r.failWith
	}
	c, ok := r.values[itemID]
	if !ok {
		return 0, false, model.ErrItemNotFound
	}
	next := c[counter] + delta
	if next < 0 {
		c[counter] = 0
		return 0, true, nil
	}
	c[counter] = next
	return next, false, nil
}

func (r *mockCounterRepo) ListCounterSnapshots(context.Context, int64, int) ([]model.CounterSnapshot, error) {
	return nil, nil
}

func (r *mockCounterRepo) get(itemID int64, counter model.CounterKind) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[itemID][counter]
}

// mockDeadLetterRepo は保存されたデッドレターを記録する。
type mockDeadLetterRepo struct {
	saved   []*model.DeadLetter
	saveErr error
}

func (r *mockDeadLetterRepo) Save(_ context.Context, dl *model.DeadLetter) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	dl.ID = "dl-1"
	r.saved = append(r.saved, dl)
	return nil
}

func (r *mockDeadLetterRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// mockDLQ は転送されたペイロードを記録する。
type mockDLQ struct {
	payloads [][]byte
}

func (q *mockDLQ) PublishDeadLetter(_ context.Context, data []byte) error {
	q.payloads = append(q.payloads, data)
	return nil
}

// mockSink は指定回数だけ失敗してから成功するMessageSink。
type mockSink struct {
	failures int
	calls    int
	msgIDs   []string
}

func (s *mockSink) Publish(_ context.Context, _ []byte, msgID string) error {
	s.calls++
	s.msgIDs = append(s.msgIDs, msgID)
	if s.calls <= s.failures {
		return errors.New("nats: timeout")
	}
	return nil
}

// mockItemRepo はFindByIDのみを実装するFeedItemRepository。
type mockItemRepo struct {
	items map[int64]*model.FeedItem
}

func (r *mockItemRepo) FindByID(_ context.Context, id int64) (*model.FeedItem, error) {
	return r.items[id], nil
}
func (r *mockItemRepo) Create(context.Context, *model.FeedItem) error { return nil }
func (r *mockItemRepo) Update(context.Context, *model.FeedItem) error { return nil }
func (r *mockItemRepo) UpdateStatus(context.Context, int64, model.ItemStatus) error {
	return nil
}
func (r *mockItemRepo) MarkDeleted(context.Context, int64) error { return nil }
func (r *mockItemRepo) ExistsBySource(context.Context, string, string) (bool, error) {
	return false, nil
}

// mockLedger は記録されたイベントを保持する。
type mockLedger struct {
	events    []*model.ReactionEvent
	appendErr error
}

func (l *mockLedger) Append(_ context.Context, e *model.ReactionEvent) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	l.events = append(l.events, e)
	return nil
}

func (l *mockLedger) NetCounts(context.Context, []int64) (map[int64]model.LedgerCounts, error) {
	return nil, nil
}

// mockPublisher は発行されたイベントを保持する。
type mockPublisher struct {
	published []*model.ReactionEvent
	err       error
}

func (p *mockPublisher) Publish(_ context.Context, e *model.ReactionEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}
