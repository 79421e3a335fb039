// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン経路
const (
	MethodPassword = "password"
	MethodOTP      = "otp"
	MethodGoogle   = "google"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(method, role string, success bool)
	RecordOTPIssued(purpose string)
	RecordOTPVerify(result string)
	RecordOAuthCallback(role, result string)
	RecordProviderLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsPurged(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	otpIssued       *prometheus.CounterVec
	otpVerify       *prometheus.CounterVec
	oauthCallbacks  *prometheus.CounterVec
	providerLatency prometheus.Histogram
	httpStatus      *prometheus.CounterVec
	sessionsPurged  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propauth_login_total",
			Help: "ログイン試行の合計数（経路・ロール・結果別）",
		}, []string{"method", "role", "result"}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propauth_otp_issued_total",
			Help: "発行されたOTPの合計数（用途別）",
		}, []string{"purpose"}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propauth_otp_verify_total",
			Help: "OTP検証の合計数（結果別）",
		}, []string{"result"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propauth_oauth_callback_total",
			Help: "OAuthコールバックの合計数（ロール・結果別）",
		}, []string{"role", "result"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "propauth_provider_exchange_seconds",
			Help:    "IdPとのトークン交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "propauth_sessions_purged_total",
			Help: "削除された期限切れセッションデータの合計数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.otpIssued,
		c.otpVerify,
		c.oauthCallbacks,
		c.providerLatency,
		c.httpStatus,
		c.sessionsPurged,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, role string, success bool) {
	c.logins.WithLabelValues(method, role, result(success)).Inc()
}

// RecordOTPIssued はOTPの発行を記録する。
func (c *Collector) RecordOTPIssued(purpose string) {
	c.otpIssued.WithLabelValues(purpose).Inc()
}

// RecordOTPVerify はOTP検証結果を記録する。
func (c *Collector) RecordOTPVerify(result string) {
	c.otpVerify.WithLabelValues(result).Inc()
}

// RecordOAuthCallback はOAuthコールバックの結果を記録する。
func (c *Collector) RecordOAuthCallback(role, result string) {
	c.oauthCallbacks.WithLabelValues(role, result).Inc()
}

// RecordProviderLatency はトークン交換のレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsPurged は削除された期限切れセッションデータ数を記録する。
func (c *Collector) RecordSessionsPurged(count int) {
	c.sessionsPurged.Add(float64(count))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string, string, bool) {}
func (Nop) RecordOTPIssued(string) {}
func (Nop) RecordOTPVerify(string) {}
func (Nop) RecordOAuthCallback(string, string) {}
func (Nop) RecordProviderLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordSessionsPurged(int) {}

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

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
