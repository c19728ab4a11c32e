package reaction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/waterfall/internal/cache"
	"github.com/hitoshi/waterfall/internal/metrics"
	"github.com/hitoshi/waterfall/internal/model"
	"github.com/hitoshi/waterfall/internal/repository"
)

// Invalidator はカウンタ更新後のキャッシュ無効化。
type Invalidator interface {
	Invalidate(ctx context.Context, m cache.Mutation) (int, error)
}

// ConsumerOptions は消費側の設定。
type ConsumerOptions struct {
	// MaxDeliver は配信回数の上限。この回数目の処理に失敗したイベントはデッドレターになる。
	MaxDeliver   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Workers      int
	ApplyTimeout time.Duration
}

// Consumer はReactionEventを実体化カウンタに適用する。
// 適用は原子的な加算のみで行うため、任意の数のワーカーを並行に動かせる。
type Consumer struct {
	counters    repository.CounterRepository
	deadLetters repository.DeadLetterRepository
	dlq         DeadLetterSink
	invalidator Invalidator
	views       *cache.ViewThreshold
	opts        ConsumerOptions
	logger      *slog.Logger
	metrics     metrics.Recorder
}

// NewConsumer はConsumerを生成する。dlqはnilでもよい。
func NewConsumer(
	counters repository.CounterRepository,
	deadLetters repository.DeadLetterRepository,
	dlq DeadLetterSink,
	invalidator Invalidator,
	views *cache.ViewThreshold,
	opts ConsumerOptions,
	logger *slog.Logger,
	rec metrics.Recorder,
) *Consumer {
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 10 * time.Second
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Consumer{
		counters:    counters,
		deadLetters: deadLetters,
		dlq:         dlq,
		invalidator: invalidator,
		views:       views,
		opts:        opts,
		logger:      logger,
		metrics:     rec,
	}
}

// Run はsubからの配信をctxがキャンセルされるまで処理する。
func (c *Consumer) Run(ctx context.Context, sub Subscriber) error {
	c.logger.Info("リアクションイベントの消費を開始します",
		slog.Int("workers", c.opts.Workers),
		slog.Int("max_deliver", c.opts.MaxDeliver),
	)
	err := sub.Consume(ctx, c.opts.Workers, c.Handle)
	c.logger.Info("リアクションイベントの消費を停止しました")
	return err
}

// Handle は1件の配信を処理し、Ack・Nak・Termのいずれかで必ず応答する。
func (c *Consumer) Handle(ctx context.Context, d Delivery) {
	var e model.ReactionEvent
	if err := json.Unmarshal(d.Data(), &e); err != nil {
		c.deadLetter(ctx, d, "malformed", "malformed: "+err.Error())
		return
	}
	if err := e.Validate(); err != nil {
		c.deadLetter(ctx, d, "malformed", err.Error())
		return
	}

	if err := c.apply(ctx, &e); err != nil {
		if int(d.NumDelivered()) >= c.opts.MaxDeliver {
			label := "retries_exhausted"
			if errors.Is(err, model.ErrItemNotFound) {
				label = "item_not_found"
			}
			c.deadLetter(ctx, d, label, err.Error())
			return
		}
		delay := redeliveryDelay(c.opts.BaseDelay, c.opts.MaxDelay, d.NumDelivered())
		c.metrics.RecordEventRetried(string(e.ReactionType))
		c.logger.Warn("イベントの適用に失敗しました。再配信します",
			slog.String("event_id", e.EventID),
			slog.Int64("target_id", e.TargetID),
			slog.Uint64("delivered", d.NumDelivered()),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
		if err := d.NakWithDelay(delay); err != nil {
			c.logger.Error("Nakの送信に失敗しました", slog.String("error", err.Error()))
		}
		return
	}

	if err := d.Ack(); err != nil {
		// Ackが届かなければ再配信されるが、Ledgerが正なのでリコンシリエーションで収束する
		c.logger.Error("Ackの送信に失敗しました",
			slog.String("event_id", e.EventID),
			slog.String("error", err.Error()),
		)
	}
	c.metrics.RecordEventApplied(string(e.ReactionType))
}

// apply はカウンタに差分を適用し、必要なキャッシュを無効化する。
// 失敗した場合はカウンタは変更されていない。
func (c *Consumer) apply(ctx context.Context, e *model.ReactionEvent) error {
	counter, _ := e.ReactionType.Counter()

	actx, cancel := context.WithTimeout(ctx, c.opts.ApplyTimeout)
	defer cancel()

	value, clamped, err := c.counters.IncrementCounter(actx, e.TargetID, counter, e.Delta())
	if err != nil {
		return err
	}
	if clamped {
		c.metrics.RecordCounterClamped(string(counter))
		c.logger.Warn("counter_clamped",
			slog.String("event_id", e.EventID),
			slog.Int64("target_id", e.TargetID),
			slog.String("counter", string(counter)),
			slog.Int64("value", value),
		)
	}

	// 閲覧数は閾値に達した時だけ無効化する
	if e.ReactionType == model.ReactionView && c.views != nil && !c.views.Hit(e.TargetID) {
		return nil
	}

	// キャッシュは正しさの前提ではないので、無効化の失敗でイベントを再配信しない
	if _, err := c.invalidator.Invalidate(ctx, cache.Mutation{
		Reason: cache.ReasonForCounter(counter),
		ItemID: e.TargetID,
	}); err != nil {
		c.logger.Warn("キャッシュの無効化に失敗しました",
			slog.Int64("target_id", e.TargetID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// deadLetter はイベントをデッドレターとして保存し、再配信を止める。
// 保存に失敗した場合は失われないよう再配信に回す。
// labelはメトリクス用の分類、reasonは保存する詳細。
func (c *Consumer) deadLetter(ctx context.Context, d Delivery, label, reason string) {
	dl := &model.DeadLetter{
		Payload:  d.Data(),
		Reason:   reason,
		Attempts: int(d.NumDelivered()),
	}
	if err := c.deadLetters.Save(ctx, dl); err != nil {
		c.logger.Error("デッドレターの保存に失敗しました",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		if err := d.NakWithDelay(c.opts.MaxDelay); err != nil {
			c.logger.Error("Nakの送信に失敗しました", slog.String("error", err.Error()))
		}
		return
	}

	if c.dlq != nil {
		if err := c.dlq.PublishDeadLetter(ctx, d.Data()); err != nil {
			c.logger.Warn("デッドレターの転送に失敗しました", slog.String("error", err.Error()))
		}
	}

	c.metrics.RecordDeadLetter(label)
	c.logger.Warn("イベントをデッドレターに移動しました",
		slog.String("dead_letter_id", dl.ID),
		slog.String("reason", reason),
		slog.Int("attempts", dl.Attempts),
	)
	if err := d.Term(); err != nil {
		c.logger.Error("Termの送信に失敗しました", slog.String("error", err.Error()))
	}
}
