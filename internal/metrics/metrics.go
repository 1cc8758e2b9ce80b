// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersOpened counts orders accepted by the matching engine,
	// partitioned by side and resulting status.
	OrdersOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_opened_total",
		Help: "Orders opened, by side and resulting status",
	}, []string{"side", "status"})

	// OrdersRejected counts order submissions refused before matching.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Order submissions rejected, by reason",
	}, []string{"reason"})

	// OrdersCancelled counts explicit order cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled",
	})

	// TradesSettled counts trades recorded by the matching engine,
	// partitioned by currency pair.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_settled_total",
		Help: "Trades settled, by currency pair",
	}, []string{"pair"})

	// FillVolume accumulates filled base-currency volume per pair.
	FillVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_fill_volume_total",
		Help: "Filled base-currency volume, by currency pair",
	}, []string{"pair"})

	// TransactionsProcessed counts settled transactions by type and
	// terminal status.
	TransactionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_transactions_processed_total",
		Help: "Transactions processed, by type and terminal status",
	}, []string{"type", "status"})

	// HTTPRequestsTotal counts HTTP requests by method, path and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
