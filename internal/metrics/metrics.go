// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// キャッシュ、パイプライン、ジョブ、HTTP層から利用する。
type Recorder interface {
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
	RecordCacheError(op string)
	RecordInvalidation(reason string, keys int)
	RecordQueryLatency(sort string, duration time.Duration)
	RecordReactionPublished(reactionType string)
	RecordPublishFailure(reactionType string)
	RecordEventApplied(reactionType string)
	RecordEventRetried(reactionType string)
	RecordDeadLetter(reason string)
	RecordCounterClamped(counter string)
	RecordReconcileRun(duration time.Duration, corrected int)
	RecordItemsImported(source string, count int)
	RecordImportFailure(source string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheErrors      *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	invalidatedKeys  prometheus.Counter
	queryLatency     *prometheus.HistogramVec
	published        *prometheus.CounterVec
	publishFail      *prometheus.CounterVec
	applied          *prometheus.CounterVec
	retried          *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
	clamped          *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	reconciled       prometheus.Counter
	imported         *prometheus.CounterVec
	importFail       *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_cache_hits_total",
			Help: "キャッシュヒットの合計数",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_cache_misses_total",
			Help: "キャッシュミスの合計数",
		}, []string{"kind"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_cache_errors_total",
			Help: "キャッシュ操作の失敗数",
		}, []string{"op"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_cache_invalidations_total",
			Help: "理由別のキャッシュ無効化の実行回数",
		}, []string{"reason"}),
		invalidatedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_cache_invalidated_keys_total",
			Help: "無効化で削除されたキーの合計数",
		}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waterfall_feed_query_seconds",
			Help:    "キャッシュミス時のフィードクエリのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"sort"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reactions_published_total",
			Help: "発行されたリアクションイベントの合計数",
		}, []string{"type"}),
		publishFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reaction_publish_fail_total",
			Help: "リアクションイベントの発行失敗数",
		}, []string{"type"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reaction_events_applied_total",
			Help: "カウンタに反映されたイベントの合計数",
		}, []string{"type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reaction_events_retried_total",
			Help: "再配信を要求したイベントの合計数",
		}, []string{"type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reaction_dead_letters_total",
			Help: "デッドレターに送られたイベントの合計数",
		}, []string{"reason"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_counter_clamped_total",
			Help: "負の値になるため0に丸めたカウンタ更新の数",
		}, []string{"counter"}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waterfall_reconcile_duration_seconds",
			Help:    "カウンタ整合ジョブの実行時間（秒）",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_reconcile_corrected_items_total",
			Help: "カウンタ整合ジョブで補正されたアイテムの合計数",
		}),
		imported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_items_imported_total",
			Help: "外部ソースから取り込まれたアイテムの合計数",
		}, []string{"source"}),
		importFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_import_fail_total",
			Help: "外部ソースの取り込み失敗数",
		}, []string{"source"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.cacheErrors,
		c.invalidations,
		c.invalidatedKeys,
		c.queryLatency,
		c.published,
		c.publishFail,
		c.applied,
		c.retried,
		c.deadLetters,
		c.clamped,
		c.reconcileLatency,
		c.reconciled,
		c.imported,
		c.importFail,
		c.httpStatus,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。kindはpageまたはcount。
func (c *Collector) RecordCacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordCacheError はキャッシュ操作の失敗を記録する。
func (c *Collector) RecordCacheError(op string) {
	c.cacheErrors.WithLabelValues(op).Inc()
}

// RecordInvalidation はキャッシュ無効化の実行と削除キー数を記録する。
func (c *Collector) RecordInvalidation(reason string, keys int) {
	c.invalidations.WithLabelValues(reason).Inc()
	c.invalidatedKeys.Add(float64(keys))
}

// RecordQueryLatency はフィードクエリのレイテンシを記録する。
func (c *Collector) RecordQueryLatency(sort string, duration time.Duration) {
	c.queryLatency.WithLabelValues(sort).Observe(duration.Seconds())
}

// RecordReactionPublished はイベント発行を記録する。
func (c *Collector) RecordReactionPublished(reactionType string) {
	c.published.WithLabelValues(reactionType).Inc()
}

// RecordPublishFailure はイベント発行失敗を記録する。
func (c *Collector) RecordPublishFailure(reactionType string) {
	c.publishFail.WithLabelValues(reactionType).Inc()
}

// RecordEventApplied はカウンタへの反映を記録する。
func (c *Collector) RecordEventApplied(reactionType string) {
	c.applied.WithLabelValues(reactionType).Inc()
}

// RecordEventRetried は再配信要求を記録する。
func (c *Collector) RecordEventRetried(reactionType string) {
	c.retried.WithLabelValues(reactionType).Inc()
}

// RecordDeadLetter はデッドレター送りを記録する。
func (c *Collector) RecordDeadLetter(reason string) {
	c.deadLetters.WithLabelValues(reason).Inc()
}

// RecordCounterClamped はカウンタの0への丸めを記録する。
func (c *Collector) RecordCounterClamped(counter string) {
	c.clamped.WithLabelValues(counter).Inc()
}

// RecordReconcileRun はカウンタ整合ジョブの実行結果を記録する。
func (c *Collector) RecordReconcileRun(duration time.Duration, corrected int) {
	c.reconcileLatency.Observe(duration.Seconds())
	c.reconciled.Add(float64(corrected))
}

// RecordItemsImported は取り込んだアイテム数を記録する。
func (c *Collector) RecordItemsImported(source string, count int) {
	c.imported.WithLabelValues(source).Add(float64(count))
}

// RecordImportFailure は取り込み失敗を記録する。
func (c *Collector) RecordImportFailure(source string) {
	c.importFail.WithLabelValues(source).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordCacheHit(string) {}
func (Nop) RecordCacheMiss(string) {}
func (Nop) RecordCacheError(string) {}
func (Nop) RecordInvalidation(string, int) {}
func (Nop) RecordQueryLatency(string, time.Duration) {}
func (Nop) RecordReactionPublished(string) {}
func (Nop) RecordPublishFailure(string) {}
func (Nop) RecordEventApplied(string) {}
func (Nop) RecordEventRetried(string) {}
func (Nop) RecordDeadLetter(string) {}
func (Nop) RecordCounterClamped(string) {}
func (Nop) RecordReconcileRun(time.Duration, int) {}
func (Nop) RecordItemsImported(string, int) {}
func (Nop) RecordImportFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
