package cache

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
)

// Reason はキャッシュ無効化を引き起こした変更の分類。
type Reason string

const (
	ReasonUpload     Reason = "upload"
	ReasonEdit       Reason = "edit"
	ReasonModeration Reason = "moderation"
	ReasonDelete     Reason = "delete"
	ReasonLike       Reason = "like"
	ReasonCollection Reason = "collection"
	ReasonView       Reason = "view"
	// ReasonCounterSweep はリコンシリエーション完了時の全カウンタソートの一括無効化。
	ReasonCounterSweep Reason = "counter_sweep"
)

// ReasonForCounter はカウンタ種別に対応する無効化理由を返す。
func ReasonForCounter(kind model.CounterKind) Reason {
	switch kind {
	case model.CounterLikes:
		return ReasonLike
	case model.CounterCollections:
		return ReasonCollection
	default:
		return ReasonView
	}
}

// Mutation は無効化対象を決めるための変更内容。
// 編集時は変更前後のカテゴリとタグを両方指定する。
type Mutation struct {
	Reason        Reason
	ItemID        int64
	OwnerID       int64
	OldCategoryID int64
	NewCategoryID int64
	OldTagIDs     []int64
	NewTagIDs     []int64
	// TextChanged はタイトルか説明文が変わったかどうか。キーワード検索の結果が変わりうる。
	TextChanged bool
}

// PatternsFor は変更に対して削除すべきキーパターンを返す。
// 結果は重複がなく、同じ入力に対して常に同じ順序になる。
func PatternsFor(m Mutation) []string {
	var patterns []string
	add := func(ps ...string) {
		for _, p := range ps {
			if !slices.Contains(patterns, p) {
				patterns = append(patterns, p)
			}
		}
	}

	switch m.Reason {
	case ReasonUpload, ReasonDelete, ReasonModeration:
		// 追加・削除・表示状態の変更はすべての並び順と総件数に影響する
		add(AllFirstPagesPattern(), AllCountsPattern())

	case ReasonEdit:
		// 絞り込みなしのフィードには常に含まれる
		add(UnfilteredFirstPagePatterns()...)
		for _, id := range []int64{m.OldCategoryID, m.NewCategoryID} {
			if id > 0 {
				add(CategoryFirstPagePatterns(id)...)
			}
		}
		for _, id := range unionTags(m.OldTagIDs, m.NewTagIDs) {
			add(TagFirstPagePatterns(id)...)
		}
		if m.OwnerID > 0 {
			add(OwnerFirstPagePatterns(m.OwnerID)...)
		}
		// カテゴリやタグの付け替えはその条件の総件数を変える
		if m.OldCategoryID != m.NewCategoryID {
			for _, id := range []int64{m.OldCategoryID, m.NewCategoryID} {
				if id > 0 {
					add(countSegmentPatterns("c"+strconv.FormatInt(id, 10))...)
				}
			}
		}
		for _, id := range diffTags(m.OldTagIDs, m.NewTagIDs) {
			add(countSegmentPatterns("t"+strconv.FormatInt(id, 10))...)
		}
		if m.TextChanged {
			add(KeywordFirstPagePatterns()...)
			add(countPrefix + "*:k*")
		}

	case ReasonLike:
		add(SortModePatterns(model.SortMostLiked)...)
		add(SortModePatterns(model.SortPopular)...)

	case ReasonCollection:
		add(SortModePatterns(model.SortMostCollected)...)
		add(SortModePatterns(model.SortPopular)...)

	case ReasonView:
		add(SortModePatterns(model.SortMostViewed)...)
		add(SortModePatterns(model.SortPopular)...)

	case ReasonCounterSweep:
		for _, mode := range model.AllSortModes {
			if mode.ValueKind() == model.SortValueCounter {
				add(SortModePatterns(mode)...)
			}
		}
	}
	return patterns
}

func countSegmentPatterns(segment string) []string {
	return []string{
		countPrefix + "*:" + segment + ":*",
		countPrefix + "*:" + segment,
	}
}

// unionTags は両方のタグ集合の和をソートして返す。
func unionTags(a, b []int64) []int64 {
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range append(slices.Clone(a), b...) {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// diffTags は片方にのみ含まれるタグ（対称差）を返す。
func diffTags(a, b []int64) []int64 {
	var out []int64
	for _, id := range unionTags(a, b) {
		if slices.Contains(a, id) != slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

// Invalidator は変更内容に応じてキャッシュをパターン削除する。
type Invalidator struct {
	store     Store
	batchSize int
	timeout   time.Duration
	logger    *slog.Logger
	metrics   metrics.Recorder
}

// NewInvalidator はInvalidatorを生成する。batchSizeはSCAN 1回あたりの走査件数。
func NewInvalidator(store Store, batchSize int, logger *slog.Logger, rec metrics.Recorder) *Invalidator {
	if batchSize <= 0 {
		batchSize = 500
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Invalidator{
		store:     store,
		batchSize: batchSize,
		timeout:   5 * time.Second,
		logger:    logger,
		metrics:   rec,
	}
}

// Invalidate は変更に対応するすべてのパターンを削除し、削除したキー数を返す。
// 一部のパターンで失敗しても残りの削除は続け、最初のエラーを返す。
func (inv *Invalidator) Invalidate(ctx context.Context, m Mutation) (int, error) {
	patterns := PatternsFor(m)
	if len(patterns) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	// 削除より先に世代を進める。削除前に読んだ古い結果の書き戻しはEngine側で捨てられる。
	if err := inv.store.Set(ctx, generationKey, []byte(uuid.NewString()), 0); err != nil {
		inv.metrics.RecordCacheError("invalidate")
		inv.logger.Warn("キャッシュ世代の更新に失敗しました",
			slog.String("reason", string(m.Reason)),
			slog.String("error", err.Error()),
		)
	}

	total := 0
	var firstErr error
	for _, p := range patterns {
		n, err := inv.store.DeleteMatching(ctx, p, inv.batchSize)
		total += n
		if err != nil {
			inv.metrics.RecordCacheError("invalidate")
			inv.logger.Warn("キャッシュの無効化に失敗しました",
				slog.String("reason", string(m.Reason)),
				slog.String("pattern", p),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	inv.metrics.RecordInvalidation(string(m.Reason), total)
	inv.logger.Debug("キャッシュを無効化しました",
		slog.String("reason", string(m.Reason)),
		slog.Int64("item_id", m.ItemID),
		slog.Int("pattern_count", len(patterns)),
		slog.Int("deleted", total),
	)
	return total, firstErr
}
