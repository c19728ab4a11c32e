package reaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamOptions はJetStreamのストリームとコンシューマの設定。
type JetStreamOptions struct {
	URL        string
	Stream     string
	Subject    string
	DLQSubject string
	Consumer   string
	MaxDeliver int
	AckWait    time.Duration
}

// JetStreamTransport はNATS JetStreamによるイベントの発行と消費。
// 発行は永続化の受領確認を待ち、消費は明示的なAckを要求する。
type JetStreamTransport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	opts   JetStreamOptions
	logger *slog.Logger
}

// ConnectJetStream はNATSに接続し、ストリームを作成または更新する。
func ConnectJetStream(ctx context.Context, opts JetStreamOptions, logger *slog.Logger) (*JetStreamTransport, error) {
	if opts.DLQSubject == "" {
		opts.DLQSubject = opts.Subject + ".dlq"
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name("waterfall"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATSから切断されました", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATSに再接続しました", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗しました: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("JetStreamの初期化に失敗しました: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject, opts.DLQSubject},
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ストリーム %s の作成に失敗しました: %w", opts.Stream, err)
	}

	return &JetStreamTransport{nc: nc, js: js, opts: opts, logger: logger}, nil
}

// Publish はイベントを発行し、ストリームへの永続化を待つ。
// msgIDはJetStreamの重複排除ウィンドウ内での二重取り込みを防ぐ。
func (t *JetStreamTransport) Publish(ctx context.Context, data []byte, msgID string) error {
	_, err := t.js.Publish(ctx, t.opts.Subject, data, jetstream.WithMsgID(msgID))
	return err
}

// PublishDeadLetter はデッドレターのペイロードを調査用のサブジェクトに転送する。
func (t *JetStreamTransport) PublishDeadLetter(ctx context.Context, data []byte) error {
	_, err := t.js.Publish(ctx, t.opts.DLQSubject, data)
	return err
}

// Consume は永続コンシューマからメッセージを受け取り、workers個のゴルーチンでhandlerを実行する。
// ctxがキャンセルされると受信を止め、処理中のメッセージの完了を待って戻る。
func (t *JetStreamTransport) Consume(ctx context.Context, workers int, handler func(context.Context, Delivery)) error {
	cons, err := t.js.CreateOrUpdateConsumer(ctx, t.opts.Stream, jetstream.ConsumerConfig{
		Durable:       t.opts.Consumer,
		FilterSubject: t.opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.opts.AckWait,
		MaxDeliver:    t.opts.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("コンシューマ %s の作成に失敗しました: %w", t.opts.Consumer, err)
	}

	// 受信はワーカー数で制限し、処理が詰まったら取得も止まるようにする
	msgs := make(chan jetstream.Msg, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				handler(context.WithoutCancel(ctx), jsDelivery{msg: msg})
			}
		}()
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
			// 停止中に受け取ったメッセージはAckせず、AckWait後に再配信させる
		}
	},
		jetstream.PullMaxMessages(workers*2),
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			t.logger.Warn("メッセージの受信でエラーが発生しました", slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		close(msgs)
		wg.Wait()
		return fmt.Errorf("メッセージの受信開始に失敗しました: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	close(msgs)
	wg.Wait()
	return nil
}

// Ping はNATSへの接続状態を返す。
func (t *JetStreamTransport) Ping() error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("NATSに接続されていません: %s", t.nc.Status())
	}
	return nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じる。
func (t *JetStreamTransport) Close() {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
	}
}

// jsDelivery はjetstream.MsgをDeliveryに適合させる。
type jsDelivery struct {
	msg jetstream.Msg
}

func (d jsDelivery) Data() []byte { return d.msg.Data() }

func (d jsDelivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

func (d jsDelivery) Ack() error { return d.msg.Ack() }

func (d jsDelivery) NakWithDelay(delay time.Duration) error { return d.msg.NakWithDelay(delay) }

func (d jsDelivery) Term() error { return d.msg.Term() }
