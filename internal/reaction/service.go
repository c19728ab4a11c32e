package reaction

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/repository"
)

// EventPublisher はReactionEventの発行インターフェース。
type EventPublisher interface {
	Publish(ctx context.Context, e *model.ReactionEvent) error
}

// Service はリアクションの書き込み経路。
// Ledgerへの記録が成功した時点でリアクションは確定し、イベントの発行はカウンタ更新のためだけに行う。
type Service struct {
	items     repository.FeedItemRepository
	ledger    repository.LedgerRepository
	publisher EventPublisher
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	items repository.FeedItemRepository,
	ledger repository.LedgerRepository,
	publisher EventPublisher,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Service {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		items:     items,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
		metrics:   rec,
		now:       time.Now,
	}
}

// React はactorIDによるリアクションを記録し、カウンタ更新イベントを発行する。
// 発行に失敗してもLedgerへの記録は成功しているためエラーにはしない。
// カウンタはリコンシリエーションでLedgerに収束する。
func (s *Service) React(
	ctx context.Context,
	actorID, itemID int64,
	reactionType model.ReactionType,
	op model.ReactionOp,
) (*model.ReactionEvent, error) {
	e := &model.ReactionEvent{
		EventID:      uuid.New().String(),
		TargetID:     itemID,
		ReactionType: reactionType,
		Operation:    op,
		ActorID:      actorID,
		Timestamp:    s.now().UnixMilli(),
	}
	if err := e.Validate(); err != nil {
		return nil, model.NewInvalidReactionError(err.Error())
	}

	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || !item.Visible() {
		return nil, model.NewItemNotFoundError(itemID)
	}

	if err := s.ledger.Append(ctx, e); err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, e); err != nil {
		s.metrics.RecordPublishFailure(string(e.ReactionType))
		s.logger.Warn("リアクションイベントを発行できませんでした。カウンタは整合ジョブで補正されます",
			slog.String("event_id", e.EventID),
			slog.Int64("target_id", e.TargetID),
			slog.String("reaction_type", string(e.ReactionType)),
			slog.String("error", err.Error()),
		)
		return e, nil
	}

	s.metrics.RecordReactionPublished(string(e.ReactionType))
	return e, nil
}
