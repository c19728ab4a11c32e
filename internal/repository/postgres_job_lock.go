package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresJobLock はPostgreSQLのアドバイザリロックによるジョブの排他制御。
// ロックはセッション単位のため、取得から解放まで同じ接続を専有する。
type PostgresJobLock struct {
	db *sql.DB
}

// NewPostgresJobLock はPostgresJobLockを生成する。
func NewPostgresJobLock(db *sql.DB) *PostgresJobLock {
	return &PostgresJobLock{db: db}
}

// TryLock はpg_try_advisory_lockでロックを試みる。待機はしない。
func (l *PostgresJobLock) TryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ロック用接続の取得に失敗しました: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("アドバイザリロックの取得に失敗しました: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		// 呼び出し元のコンテキストがキャンセル済みでも解放できるよう独立したコンテキストを使う
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return release, true, nil
}
