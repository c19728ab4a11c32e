package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/waterfall/internal/model"
)

// PublisherOptions はイベント発行のリトライ設定。
type PublisherOptions struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Publisher はReactionEventをJSONにして発行する。
// トランスポートの受領確認を待ち、失敗時は指数バックオフで再試行する。
type Publisher struct {
	sink   MessageSink
	opts   PublisherOptions
	logger *slog.Logger
}

// NewPublisher はPublisherを生成する。
func NewPublisher(sink MessageSink, opts PublisherOptions, logger *slog.Logger) *Publisher {
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 2 * time.Second
	}
	return &Publisher{sink: sink, opts: opts, logger: logger}
}

// Publish はイベントを発行する。EventIDをメッセージIDとして使うため、
// 再試行で同じイベントが二重に取り込まれることはない。
func (p *Publisher) Publish(ctx context.Context, e *model.ReactionEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗しました: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	b.MaxInterval = p.opts.MaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.sink.Publish(ctx, data, e.EventID)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("イベントの発行に失敗しました。再試行します",
				slog.String("event_id", e.EventID),
				slog.Duration("retry_after", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("イベントの発行に失敗しました: %w", err)
	}
	return nil
}

// redeliveryDelay は配信回数に応じた再配信までの待ち時間を返す。
// base, 2*base, 4*base... と増え、maxDelayで頭打ちになる。
func redeliveryDelay(base, maxDelay time.Duration, delivered uint64) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := uint64(1); i < delivered; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
