package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/waterfall/internal/metrics"
)

// Cache はStoreにタイムアウトとエラー吸収を加えたラッパー。
// キャッシュは性能のための最適化であり、障害は呼び出し元に伝播させない。
type Cache struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
	metrics metrics.Recorder
}

// New はCacheを生成する。timeoutは個々の読み書き操作に適用される。
func New(store Store, timeout time.Duration, logger *slog.Logger, rec metrics.Recorder) *Cache {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Cache{
		store:   store,
		timeout: timeout,
		logger:  logger,
		metrics: rec,
	}
}

// GetJSON はキーの値をdstにデコードする。ヒットした場合のみtrueを返す。
// ストア障害やデコード失敗はミスとして扱い、ログに記録する。
func (c *Cache) GetJSON(ctx context.Context, key, kind string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		c.metrics.RecordCacheMiss(kind)
		return false
	}
	if err != nil {
		c.metrics.RecordCacheError("get")
		c.logger.Warn("キャッシュの読み込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.metrics.RecordCacheError("decode")
		c.logger.Warn("キャッシュ値のデコードに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.metrics.RecordCacheHit(kind)
	return true
}

// SetJSON は値をJSONにエンコードしてTTL付きで保存する。失敗はログのみ。
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("キャッシュ値のエンコードに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.metrics.RecordCacheError("set")
		c.logger.Warn("キャッシュの書き込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Generation は現在の無効化世代を返す。一度も無効化されていなければ空文字列。
// ストア障害時はokがfalseになる。
func (c *Cache) Generation(ctx context.Context) (gen string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := c.store.Get(ctx, generationKey)
	if errors.Is(err, ErrMiss) {
		return "", true
	}
	if err != nil {
		c.metrics.RecordCacheError("get")
		return "", false
	}
	return string(data), true
}

// Ping はキャッシュストアの疎通を確認する。
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Ping(ctx)
}
