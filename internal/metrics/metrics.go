// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// プロフィール取得結果の分類。
const (
	OutcomeReady     = "ready"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeUnchanged = "unchanged"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションストア、プロフィール同期、IDプロバイダークライアントから利用する。
type MetricsCollector interface {
	RecordAuthEvent(eventType string)
	RecordProbe(success bool)
	RecordProfileFetch(outcome string)
	RecordFetchLatency(duration time.Duration)
	RecordCommandFailure(command string)
	RecordTokenRefresh(success bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authEvents      *prometheus.CounterVec
	probes          *prometheus.CounterVec
	profileFetches  *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	commandFailures *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindful_auth_events_total",
			Help: "受信した認証イベントの種別ごとの合計数",
		}, []string{"type"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindful_session_probe_total",
			Help: "起動時セッション確認の結果ごとの合計数",
		}, []string{"result"}),
		profileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindful_profile_fetch_total",
			Help: "プロフィール取得の結果ごとの合計数",
		}, []string{"outcome"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mindful_profile_fetch_latency_seconds",
			Help:    "プロフィール取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindful_command_failures_total",
			Help: "失敗した認証コマンドの合計数",
		}, []string{"command"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindful_token_refresh_total",
			Help: "アクセストークン更新の結果ごとの合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.authEvents,
		c.probes,
		c.profileFetches,
		c.fetchLatency,
		c.commandFailures,
		c.tokenRefreshes,
	)

	return c
}

// RecordAuthEvent は認証イベントの受信を記録する。
func (c *Collector) RecordAuthEvent(eventType string) {
	c.authEvents.WithLabelValues(eventType).Inc()
}

// RecordProbe は起動時セッション確認の結果を記録する。
func (c *Collector) RecordProbe(success bool) {
	c.probes.WithLabelValues(resultLabel(success)).Inc()
}

// RecordProfileFetch はプロフィール取得の結果を記録する。
func (c *Collector) RecordProfileFetch(outcome string) {
	c.profileFetches.WithLabelValues(outcome).Inc()
}

// RecordFetchLatency はプロフィール取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCommandFailure は認証コマンドの失敗を記録する。
func (c *Collector) RecordCommandFailure(command string) {
	c.commandFailures.WithLabelValues(command).Inc()
}

// RecordTokenRefresh はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	c.tokenRefreshes.WithLabelValues(resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthEvent(string) {}
func (Nop) RecordProbe(bool) {}
func (Nop) RecordProfileFetch(string) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordCommandFailure(string) {}
func (Nop) RecordTokenRefresh(bool) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
