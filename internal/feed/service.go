// Package feed はウォーターフォールフィードのカーソルページネーションを提供する。
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/repository"
)

// キャッシュのメトリクス種別
const (
	kindFirstPage = "first_page"
	kindMorePage  = "more_page"
	kindCount     = "count"
)

// Options はページネーションエンジンの設定。
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	FirstPageTTL    time.Duration
	MorePageTTL     time.Duration
	CountTTL        time.Duration
	QueryTimeout    time.Duration
}

// DefaultOptions はデフォルト設定を返す。
func DefaultOptions() Options {
	return Options{
		DefaultPageSize: 30,
		MaxPageSize:     100,
		FirstPageTTL:    30 * time.Minute,
		MorePageTTL:     5 * time.Minute,
		CountTTL:        30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// Page はFetchPageの結果。
type Page struct {
	Items      []*model.FeedItem
	NextCursor *model.Cursor // 返したアイテムがない場合はnil
	HasMore    bool
	Total      *int // 先頭ページのみ
}

// cachedPage はキャッシュに保存するページの表現。
// カーソルは最後のアイテムから復元できるため保存しない。
type cachedPage struct {
	Items   []*model.FeedItem `json:"items"`
	HasMore bool              `json:"hasMore"`
}

// Engine はキャッシュを前段に置いたキーセットページネーションのエンジン。
type Engine struct {
	reader  repository.FeedItemReader
	cache   *cache.Cache
	opts    Options
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewEngine はEngineを生成する。
func NewEngine(reader repository.FeedItemReader, c *cache.Cache, opts Options, logger *slog.Logger, rec metrics.Recorder) *Engine {
	def := DefaultOptions()
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = def.DefaultPageSize
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = def.MaxPageSize
	}
	if opts.MaxPageSize > cache.MaxPageSize {
		logger.Warn("ページサイズの上限を切り詰めました",
			slog.Int("configured", opts.MaxPageSize),
			slog.Int("max", cache.MaxPageSize),
		)
		opts.MaxPageSize = cache.MaxPageSize
	}
	if opts.DefaultPageSize > opts.MaxPageSize {
		opts.DefaultPageSize = opts.MaxPageSize
	}
	if opts.FirstPageTTL <= 0 {
		opts.FirstPageTTL = def.FirstPageTTL
	}
	if opts.MorePageTTL <= 0 {
		opts.MorePageTTL = def.MorePageTTL
	}
	if opts.CountTTL <= 0 {
		opts.CountTTL = def.CountTTL
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Engine{
		reader:  reader,
		cache:   c,
		opts:    opts,
		logger:  logger,
		metrics: rec,
	}
}

// FetchPage はクエリに対応するページを返す。
// 不正なカーソルや、指すアイテムが削除・非表示になったカーソルはエラーにせず先頭ページの要求として扱う。
// キャッシュの障害は吸収し、データベースから直接計算する。
func (e *Engine) FetchPage(ctx context.Context, q model.FeedQuery) (*Page, error) {
	if !q.Sort.Valid() {
		return nil, model.NewInvalidSortModeError(string(q.Sort))
	}
	q = e.normalize(q)

	if !q.IsFirstPage() {
		// キャッシュ済みのカーソルは作成時点で有効だったので、検証より先にキャッシュを見る
		var cp cachedPage
		if e.cache.GetJSON(ctx, cache.BuildFeedKey(q), kindMorePage, &cp) {
			return e.fromCache(q, &cp), nil
		}

		valid, err := e.cursorValid(ctx, q)
		if err != nil {
			return nil, err
		}
		if !valid {
			e.logger.Info("無効なカーソルのため先頭ページを返します",
				slog.String("sort", string(q.Sort)),
				slog.String("cursor", q.Cursor.String()),
			)
			q.Cursor = nil
		}
	}

	if q.IsFirstPage() {
		return e.fetchFirstPage(ctx, q)
	}
	return e.fetchMorePage(ctx, q)
}

func (e *Engine) fetchFirstPage(ctx context.Context, q model.FeedQuery) (*Page, error) {
	key := cache.BuildFeedKey(q)

	var page *Page
	var cp cachedPage
	if e.cache.GetJSON(ctx, key, kindFirstPage, &cp) {
		page = e.fromCache(q, &cp)
	} else {
		gen, genOK := e.cache.Generation(ctx)
		var err error
		page, err = e.query(ctx, q)
		if err != nil {
			return nil, err
		}
		// 読み取り中に無効化が走った場合、結果は古い可能性があるため保存しない
		if after, ok := e.cache.Generation(ctx); genOK && ok && after == gen {
			e.cache.SetJSON(ctx, key, cachedPage{Items: page.Items, HasMore: page.HasMore}, e.opts.FirstPageTTL)
		}
	}

	total, err := e.count(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	page.Total = &total
	return page, nil
}

func (e *Engine) fetchMorePage(ctx context.Context, q model.FeedQuery) (*Page, error) {
	page, err := e.query(ctx, q)
	if err != nil {
		return nil, err
	}
	e.cache.SetJSON(ctx, cache.BuildFeedKey(q), cachedPage{Items: page.Items, HasMore: page.HasMore}, e.opts.MorePageTTL)
	return page, nil
}

// query はデータベースからpageSize+1件を取得し、余分な1件でHasMoreを判定する。
func (e *Engine) query(ctx context.Context, q model.FeedQuery) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	start := time.Now()
	items, err := e.reader.ListPage(ctx, q, q.PageSize+1)
	e.metrics.RecordQueryLatency(string(q.Sort), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	hasMore := len(items) > q.PageSize
	if hasMore {
		items = items[:q.PageSize]
	}
	return newPage(q.Sort, items, hasMore), nil
}

// count は総件数をキャッシュ経由で返す。
func (e *Engine) count(ctx context.Context, f model.FeedFilter) (int, error) {
	key := cache.BuildCountKey(f)

	var total int
	if e.cache.GetJSON(ctx, key, kindCount, &total) {
		return total, nil
	}

	qctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	total, err := e.reader.Count(qctx, f)
	if err != nil {
		return 0, fmt.Errorf("総件数の取得に失敗しました: %w", err)
	}
	e.cache.SetJSON(ctx, key, total, e.opts.CountTTL)
	return total, nil
}

// cursorValid はカーソルの型がソートモードと一致し、参照するアイテムが表示可能かを返す。
// アイテムの現在のソートキーがlastValueと違っていても有効とする。
// キーセットの範囲はクライアントが送った (lastValue, lastId) で決まるため、
// カウンタ順のフィードでも続きのページを返せる。
func (e *Engine) cursorValid(ctx context.Context, q model.FeedQuery) (bool, error) {
	if !q.Cursor.ValidFor(q.Sort) {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	ok, err := e.reader.CursorItemVisible(ctx, q.Cursor.LastID)
	if err != nil {
		return false, fmt.Errorf("カーソルの検証に失敗しました: %w", err)
	}
	return ok, nil
}

// normalize はページサイズを範囲内に丸め、フィルタを正規化する。
func (e *Engine) normalize(q model.FeedQuery) model.FeedQuery {
	switch {
	case q.PageSize <= 0:
		q.PageSize = e.opts.DefaultPageSize
	case q.PageSize > e.opts.MaxPageSize:
		q.PageSize = e.opts.MaxPageSize
	}
	q.Filter = q.Filter.Normalize()
	return q
}

func (e *Engine) fromCache(q model.FeedQuery, cp *cachedPage) *Page {
	return newPage(q.Sort, cp.Items, cp.HasMore)
}

// newPage は最後に返すアイテムから次のカーソルを導出する。
func newPage(mode model.SortMode, items []*model.FeedItem, hasMore bool) *Page {
	if items == nil {
		items = []*model.FeedItem{}
	}
	page := &Page{Items: items, HasMore: hasMore}
	if len(items) > 0 {
		page.NextCursor = model.NewCursor(mode, items[len(items)-1])
	}
	return page
}
