package item

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/model"
)

// ImportItems は外部ソースから取り込んだアイテムを審査待ちとして保存する。
// (source_name, source_ref) で取り込み済みのものは飛ばす。
// 画像URLやサイズが不正なものは保存せずに数える。
// 戻り値は作成数、スキップ数、エラー。
func (s *Service) ImportItems(ctx context.Context, sourceName string, items []model.ImportedItem) (created, skipped int, err error) {
	for _, in := range items {
		if in.SourceRef == "" {
			skipped++
			continue
		}

		exists, err := s.items.ExistsBySource(ctx, sourceName, in.SourceRef)
		if err != nil {
			return created, skipped, fmt.Errorf("取り込み済みかの確認に失敗: %w", err)
		}
		if exists {
			skipped++
			continue
		}

		item := &model.FeedItem{
			OwnerID:     s.opts.ImporterOwnerID,
			Title:       s.sanitizer.Clean(in.Title, maxTitleRunes),
			Description: s.sanitizer.Clean(in.Description, maxDescriptionRunes),
			ImageURL:    strings.TrimSpace(in.ImageURL),
			Format:      strings.ToLower(in.Format),
			Width:       in.Width,
			Height:      in.Height,
			Status:      model.ItemStatusPending,
			SourceName:  sourceName,
			SourceRef:   in.SourceRef,
		}
		if item.Title == "" {
			item.Title = sourceName
		}
		if vErr := s.validate(item, 0); vErr != nil {
			s.logger.Debug("取り込み対象外のアイテムをスキップしました",
				slog.String("source", sourceName),
				slog.String("source_ref", in.SourceRef),
				slog.String("reason", vErr.Error()),
			)
			skipped++
			continue
		}

		if err := s.items.Create(ctx, item); err != nil {
			return created, skipped, fmt.Errorf("アイテムの作成に失敗: %w", err)
		}
		created++
	}

	if created > 0 {
		// 取り込み分はまとめて1回だけ無効化する
		s.invalidate(ctx, cache.Mutation{Reason: cache.ReasonUpload, OwnerID: s.opts.ImporterOwnerID})
	}

	s.logger.Info("外部ソースの取り込み完了",
		slog.String("source", sourceName),
		slog.Int("created", created),
		slog.Int("skipped", skipped),
	)
	return created, skipped, nil
}
