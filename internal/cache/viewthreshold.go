package cache

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ViewThreshold はアイテムごとの閲覧数の増分を数え、閾値に達した時だけ無効化を許可する。
// 値はプロセス内のみで保持し、再起動で失われても無効化の頻度が変わるだけで正しさには影響しない。
type ViewThreshold struct {
	threshold int64
	counters  *xsync.MapOf[int64, *atomic.Int64]
}

// NewViewThreshold はViewThresholdを生成する。thresholdが1以下の場合は毎回無効化する。
func NewViewThreshold(threshold int) *ViewThreshold {
	return &ViewThreshold{
		threshold: int64(threshold),
		counters:  xsync.NewMapOf[int64, *atomic.Int64](),
	}
}

// Hit は閲覧1回分を加算し、この加算で閾値に達した場合にtrueを返す。
// trueを返した加算でカウンタは0に戻る。読み取りとリセットはCASで一体に行い、
// 並行する消費者の間で無効化が重複したり欠落したりしない。
func (v *ViewThreshold) Hit(itemID int64) bool {
	if v.threshold <= 1 {
		return true
	}

	c, _ := v.counters.LoadOrCompute(itemID, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	for {
		cur := c.Load()
		next := cur + 1
		if next >= v.threshold {
			if c.CompareAndSwap(cur, 0) {
				return true
			}
			continue
		}
		if c.CompareAndSwap(cur, next) {
			return false
		}
	}
}

// Pending は前回の無効化以降に加算された閲覧数を返す。
func (v *ViewThreshold) Pending(itemID int64) int64 {
	c, ok := v.counters.Load(itemID)
	if !ok {
		return 0
	}
	return c.Load()
}
