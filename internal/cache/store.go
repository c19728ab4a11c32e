// Package cache はフィードページと総件数のキャッシュ、およびその無効化を提供する。
// 保存先はRedis（本番）またはインメモリ（開発・テスト）を切り替えられる。
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss はキーが存在しないことを示す。
var ErrMiss = errors.New("cache miss")

// Store はキャッシュの保存先のインターフェース。
// パターンはRedisのグロブ構文（*、?、[...]）に従う。
type Store interface {
	// Get はキーの値を返す。存在しない場合はErrMissを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set はTTL付きで値を保存する。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeleteMatching はパターンに一致するキーをbatchSize件ずつ走査して削除し、削除件数を返す。
	// 全キーを一度に列挙するブロッキング操作は使わない。
	DeleteMatching(ctx context.Context, pattern string, batchSize int) (int, error)
	// Ping は保存先への疎通を確認する。
	Ping(ctx context.Context) error
}
