// Package reaction はリアクションの書き込みと、カウンタ更新イベントのパイプラインを提供する。
//
// 書き込み経路はReaction Ledgerへの記録後にイベントを発行し、
// 消費側は実体化カウンタへ符号付きの差分を原子的に適用してキャッシュを無効化する。
package reaction

import (
	"context"
	"time"
)

// MessageSink はイベントの発行先。
type MessageSink interface {
	// Publish はdataを発行する。msgIDは重複排除に使われる。
	Publish(ctx context.Context, data []byte, msgID string) error
}

// DeadLetterSink はデッドレターのペイロードを転送する先。任意。
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, data []byte) error
}

// Delivery は消費側に配信された1件のメッセージ。
type Delivery interface {
	Data() []byte
	// NumDelivered はこのメッセージの配信回数（1始まり）を返す。
	NumDelivered() uint64
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Subscriber は配信されたメッセージをhandlerに渡し続ける。ctxのキャンセルで戻る。
type Subscriber interface {
	Consume(ctx context.Context, workers int, handler func(context.Context, Delivery)) error
}
