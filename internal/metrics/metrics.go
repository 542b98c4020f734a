// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期コーディネーターや保持期間ジョブから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(sourceID string)
	RecordSyncFailure(sourceID string, kind string)
	RecordRateLimited(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordEvent(changeType string)
	RecordSnapshotsWritten(count int)
	RecordSnapshotsPruned(count int64)
	RecordFleetPass(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess      prometheus.Counter
	syncFail         *prometheus.CounterVec
	rateLimited      prometheus.Counter
	httpStatus       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	events           *prometheus.CounterVec
	snapshotsWritten prometheus.Counter
	snapshotsPruned  prometheus.Counter
	fleetPass        prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalogwatch_sync_success_total",
			Help: "ソース同期成功の合計数",
		}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogwatch_sync_fail_total",
			Help: "エラー種別ごとのソース同期失敗数",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalogwatch_sync_rate_limited_total",
			Help: "最小ポーリング間隔によりスキップされた同期の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogwatch_http_status_total",
			Help: "カタログ取得のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalogwatch_fetch_latency_seconds",
			Help:    "カタログ全ページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogwatch_events_emitted_total",
			Help: "変更種別ごとの発行イベント数",
		}, []string{"type"}),
		snapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalogwatch_snapshots_written_total",
			Help: "保存されたスナップショットの合計数",
		}),
		snapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalogwatch_snapshots_pruned_total",
			Help: "保持期間超過で削除されたスナップショットの合計数",
		}),
		fleetPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalogwatch_fleet_pass_seconds",
			Help:    "全ソース同期1巡の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.rateLimited,
		c.httpStatus,
		c.fetchLatency,
		c.events,
		c.snapshotsWritten,
		c.snapshotsPruned,
		c.fleetPass,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(sourceID string) {
	c.syncSuccess.Inc()
}

// RecordSyncFailure はエラー種別ごとに同期失敗を記録する。
func (c *Collector) RecordSyncFailure(sourceID string, kind string) {
	c.syncFail.WithLabelValues(kind).Inc()
}

// RecordRateLimited は最小ポーリング間隔によるスキップを記録する。
func (c *Collector) RecordRateLimited(sourceID string) {
	c.rateLimited.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordEvent は発行されたイベントを種別ごとに記録する。
func (c *Collector) RecordEvent(changeType string) {
	c.events.WithLabelValues(changeType).Inc()
}

// RecordSnapshotsWritten は保存したスナップショット数を記録する。
func (c *Collector) RecordSnapshotsWritten(count int) {
	c.snapshotsWritten.Add(float64(count))
}

// RecordSnapshotsPruned は削除したスナップショット数を記録する。
func (c *Collector) RecordSnapshotsPruned(count int64) {
	c.snapshotsPruned.Add(float64(count))
}

// RecordFleetPass は全ソース同期1巡の所要時間を記録する。
func (c *Collector) RecordFleetPass(duration time.Duration) {
	c.fleetPass.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
