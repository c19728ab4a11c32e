// Package item はアイテムの投稿・編集・モデレーション・削除を提供する。
// いずれの操作も永続化の後に対応する分類でキャッシュを無効化する。
package item

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/repository"
	"github.com/hitoshi/waterfall/internal/security"
)

// 入力の上限
const (
	maxTitleRunes       = 200
	maxDescriptionRunes = 2000
	maxTags             = 20
)

// Invalidator はキャッシュ無効化のインターフェース。
type Invalidator interface {
	Invalidate(ctx context.Context, m cache.Mutation) (int, error)
}

// ImageURLValidator は画像URLの検証インターフェース。
type ImageURLValidator interface {
	ValidateImageURL(rawURL string) error
}

// Options はServiceの設定。
type Options struct {
	// AutoApprove がtrueの場合、投稿を審査なしで承認済みにする。
	AutoApprove bool
	// ImporterOwnerID は外部ソースから取り込んだアイテムの所有者。
	ImporterOwnerID int64
}

// UploadInput は投稿の入力。
type UploadInput struct {
	Title       string
	Description string
	ImageURL    string
	Format      string
	Width       int
	Height      int
	CategoryID  int64
	TagIDs      []int64
}

// EditInput は編集の入力。nilの項目は変更しない。
type EditInput struct {
	Title       *string
	Description *string
	CategoryID  *int64
	TagIDs      *[]int64
}

// Service はアイテム変更のサービス。
type Service struct {
	items       repository.FeedItemRepository
	invalidator Invalidator
	urls        ImageURLValidator
	sanitizer   *security.TextSanitizer
	opts        Options
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	items repository.FeedItemRepository,
	invalidator Invalidator,
	urls ImageURLValidator,
	sanitizer *security.TextSanitizer,
	opts Options,
	logger *slog.Logger,
) *Service {
	return &Service{
		items:       items,
		invalidator: invalidator,
		urls:        urls,
		sanitizer:   sanitizer,
		opts:        opts,
		logger:      logger,
	}
}

// Get は表示可能なアイテムを返す。
func (s *Service) Get(ctx context.Context, itemID int64) (*model.FeedItem, error) {
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.Visible() {
		return nil, model.NewItemNotFoundError(itemID)
	}
	return item, nil
}

// Upload はactorIDを所有者としてアイテムを作成する。
func (s *Service) Upload(ctx context.Context, actorID int64, in UploadInput) (*model.FeedItem, error) {
	if actorID <= 0 {
		return nil, model.NewUnauthorizedError()
	}
	item := &model.FeedItem{
		OwnerID:     actorID,
		CategoryID:  in.CategoryID,
		TagIDs:      normalizeTags(in.TagIDs),
		Title:       s.sanitizer.Clean(in.Title, maxTitleRunes),
		Description: s.sanitizer.Clean(in.Description, maxDescriptionRunes),
		ImageURL:    strings.TrimSpace(in.ImageURL),
		Format:      strings.ToLower(strings.TrimSpace(in.Format)),
		Width:       in.Width,
		Height:      in.Height,
		Status:      model.ItemStatusPending,
	}
	if s.opts.AutoApprove {
		item.Status = model.ItemStatusApproved
	}
	if err := s.validate(item, len(in.TagIDs)); err != nil {
		return nil, err
	}

	if err := s.items.Create(ctx, item); err != nil {
		return nil, err
	}

	s.invalidate(ctx, cache.Mutation{Reason: cache.ReasonUpload, ItemID: item.ID, OwnerID: item.OwnerID})
	s.logger.Info("アイテムを作成しました",
		slog.Int64("item_id", item.ID),
		slog.Int64("owner_id", item.OwnerID),
		slog.String("status", string(item.Status)),
	)
	return item, nil
}

// Edit はアイテムの属性を更新する。所有者のみ編集できる。
// 変更前後のカテゴリとタグを無効化に渡し、影響する絞り込みのキャッシュだけを消す。
func (s *Service) Edit(ctx context.Context, actorID, itemID int64, in EditInput) (*model.FeedItem, error) {
	item, err := s.ownedItem(ctx, actorID, itemID)
	if err != nil {
		return nil, err
	}

	oldCategory := item.CategoryID
	oldTags := item.TagIDs
	oldTitle, oldDescription := item.Title, item.Description

	if in.Title != nil {
		item.Title = s.sanitizer.Clean(*in.Title, maxTitleRunes)
	}
	if in.Description != nil {
		item.Description = s.sanitizer.Clean(*in.Description, maxDescriptionRunes)
	}
	if in.CategoryID != nil {
		item.CategoryID = *in.CategoryID
	}
	rawTags := len(item.TagIDs)
	if in.TagIDs != nil {
		rawTags = len(*in.TagIDs)
		item.TagIDs = normalizeTags(*in.TagIDs)
	}
	if err := s.validate(item, rawTags); err != nil {
		return nil, err
	}

	if err := s.items.Update(ctx, item); err != nil {
		return nil, err
	}

	s.invalidate(ctx, cache.Mutation{
		Reason:        cache.ReasonEdit,
		ItemID:        item.ID,
		OwnerID:       item.OwnerID,
		OldCategoryID: oldCategory,
		NewCategoryID: item.CategoryID,
		OldTagIDs:     oldTags,
		NewTagIDs:     item.TagIDs,
		TextChanged:   item.Title != oldTitle || item.Description != oldDescription,
	})
	return item, nil
}

// Moderate はモデレーション状態を変更する。状態が変わらない場合は何もしない。
func (s *Service) Moderate(ctx context.Context, itemID int64, status model.ItemStatus) (*model.FeedItem, error) {
	if !status.Valid() {
		return nil, model.NewInvalidFieldError("status", string(status))
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.IsDeleted {
		return nil, model.NewItemNotFoundError(itemID)
	}
	if item.Status == status {
		return item, nil
	}

	if err := s.items.UpdateStatus(ctx, itemID, status); err != nil {
		return nil, err
	}
	previous := item.Status
	item.Status = status

	s.invalidate(ctx, cache.Mutation{Reason: cache.ReasonModeration, ItemID: item.ID, OwnerID: item.OwnerID})
	s.logger.Info("モデレーション状態を変更しました",
		slog.Int64("item_id", item.ID),
		slog.String("from", string(previous)),
		slog.String("to", string(status)),
	)
	return item, nil
}

// Delete はアイテムを論理削除する。所有者のみ削除できる。
func (s *Service) Delete(ctx context.Context, actorID, itemID int64) error {
	item, err := s.ownedItem(ctx, actorID, itemID)
	if err != nil {
		return err
	}
	if err := s.items.MarkDeleted(ctx, itemID); err != nil {
		return err
	}
	s.invalidate(ctx, cache.Mutation{Reason: cache.ReasonDelete, ItemID: item.ID, OwnerID: item.OwnerID})
	return nil
}

// ownedItem は未削除のアイテムを取得し、所有者を検証する。
func (s *Service) ownedItem(ctx context.Context, actorID, itemID int64) (*model.FeedItem, error) {
	if actorID <= 0 {
		return nil, model.NewUnauthorizedError()
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.IsDeleted {
		return nil, model.NewItemNotFoundError(itemID)
	}
	if item.OwnerID != actorID {
		return nil, model.NewForbiddenError()
	}
	return item, nil
}

// validate は保存前のアイテムを検証する。rawTagsは正規化前のタグ数。
func (s *Service) validate(item *model.FeedItem, rawTags int) error {
	if item.Title == "" {
		return model.NewInvalidFieldError("title", "必須です")
	}
	if err := s.urls.ValidateImageURL(item.ImageURL); err != nil {
		return model.NewInvalidFieldError("imageUrl", err.Error())
	}
	if item.Width <= 0 || item.Height <= 0 {
		return model.NewInvalidFieldError("width/height", "正の整数を指定してください")
	}
	if item.CategoryID < 0 {
		return model.NewInvalidFieldError("categoryId", "0以上を指定してください")
	}
	if rawTags > maxTags {
		return model.NewInvalidFieldError("tagIds", "タグが多すぎます")
	}
	return nil
}

// invalidate はキャッシュを無効化する。失敗はTTLで解消されるためログのみ残す。
func (s *Service) invalidate(ctx context.Context, m cache.Mutation) {
	if _, err := s.invalidator.Invalidate(ctx, m); err != nil {
		s.logger.Warn("キャッシュの無効化に失敗しました",
			slog.String("reason", string(m.Reason)),
			slog.Int64("item_id", m.ItemID),
			slog.String("error", err.Error()),
		)
	}
}

// normalizeTags は正のタグIDのみを残し、重複を除く。
func normalizeTags(ids []int64) []int64 {
	return model.FeedFilter{TagIDs: ids}.Normalize().TagIDs
}
