package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricPrefix = "nightguard_"

// Task outcomes.
const (
	TaskOnTime  = "on_time"
	TaskLate    = "late"
	TaskDropped = "dropped"
)

// Close outcomes.
const (
	CloseClosed     = "closed"
	CloseUnresolved = "unresolved"
	CloseSimulated  = "simulated"
)

var (
	registerOnce sync.Once

	tasksTotal      *prometheus.CounterVec
	taskLateness    prometheus.Histogram
	closeAttempts   *prometheus.CounterVec
	closesTotal     *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	reportRows      prometheus.Counter
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		tasksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "tasks_total",
				Help: "Scheduled tasks by kind and delivery outcome",
			},
			[]string{"kind", "outcome"},
		)
		taskLateness = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "task_lateness_seconds",
				Help:    "How late tasks were when dequeued",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900},
			},
		)
		closeAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "close_attempts_total",
				Help: "Close order submissions by result",
			},
			[]string{"symbol", "result"},
		)
		closesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "closes_total",
				Help: "Managed positions by final outcome",
			},
			[]string{"symbol", "outcome"},
		)
		sessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "session_duration_seconds",
				Help:    "Wall time of a night session",
				Buckets: prometheus.ExponentialBuckets(60, 2, 12),
			},
		)
		reportRows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_rows_total",
				Help: "Rows appended to the position report",
			},
		)

		prometheus.MustRegister(tasksTotal, taskLateness, closeAttempts, closesTotal, sessionDuration, reportRows)
	})
}

func ObserveTask(kind, outcome string, lateness time.Duration) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(kind, outcome).Inc()
	if lateness > 0 {
		taskLateness.Observe(lateness.Seconds())
	}
}

func ObserveCloseAttempt(symbol string, err error) {
	if closeAttempts == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	closeAttempts.WithLabelValues(symbol, result).Inc()
}

func ObserveClose(symbol, outcome string) {
	if closesTotal == nil {
		return
	}
	closesTotal.WithLabelValues(symbol, outcome).Inc()
}

func ObserveSession(d time.Duration) {
	if sessionDuration == nil {
		return
	}
	sessionDuration.Observe(d.Seconds())
}

func AddReportRows(n int) {
	if reportRows == nil || n <= 0 {
		return
	}
	reportRows.Add(float64(n))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
