package batch

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

const (
	outcomeOK       = "ok"
	outcomeSkipped  = "skipped"
	outcomeCanceled = "canceled"
	outcomeInvalid  = "invalid_request"
	outcomeError    = "error"
	reasonUnknown   = "unknown"
)

// Recorder はバッチの進行状況を計測値として記録します。
type Recorder interface {
	StepFinished(kind, outcome string, attempts int, d time.Duration)
	// RetryScheduled の reason はエラー分類名です。分類できないエラーは "unknown" になります。
	RetryScheduled(kind, reason string)
	BatchFinished(kind string, status domain.BatchStatus)
}

// NopRecorder は何も記録しない Recorder です。
type NopRecorder struct{}

func (NopRecorder) StepFinished(string, string, int, time.Duration) {}
func (NopRecorder) RetryScheduled(string, string)                   {}
func (NopRecorder) BatchFinished(string, domain.BatchStatus)        {}

// PrometheusRecorder は Prometheus のメトリクスとして記録します。
type PrometheusRecorder struct {
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepAttempts *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec
	batchesTotal *prometheus.CounterVec
}

// NewPrometheusRecorder は reg にメトリクスを登録します。reg が nil の場合はデフォルトのレジストリを使います。
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_steps_total",
				Help:      "Total number of batch steps by outcome",
			},
			[]string{"kind", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_step_duration_seconds",
				Help:      "Batch step duration in seconds, including retries",
				Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		stepAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_step_attempts",
				Help:      "Number of generation attempts per step",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
			[]string{"kind"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_retries_total",
				Help:      "Total number of scheduled retries by error kind",
			},
			[]string{"kind", "error_kind"},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of finished batches by status",
			},
			[]string{"kind", "status"},
		),
	}
}

func (r *PrometheusRecorder) StepFinished(kind, outcome string, attempts int, d time.Duration) {
	r.stepsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == outcomeSkipped {
		return
	}
	r.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	r.stepAttempts.WithLabelValues(kind).Observe(float64(attempts))
}

func (r *PrometheusRecorder) RetryScheduled(kind, reason string) {
	r.retriesTotal.WithLabelValues(kind, reason).Inc()
}

func (r *PrometheusRecorder) BatchFinished(kind string, status domain.BatchStatus) {
	r.batchesTotal.WithLabelValues(kind, string(status)).Inc()
}

// retryLabel は再試行の原因となったエラーの分類名を返します。
func retryLabel(err error) string {
	if kind, ok := domain.KindOf(err); ok {
		return kind.String()
	}
	return reasonUnknown
}

// outcomeLabel はステップのエラーをメトリクスのラベルに変換します。
func outcomeLabel(err error) string {
	if err == nil {
		return outcomeOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcomeCanceled
	}
	if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, ErrMissingInput) {
		return outcomeInvalid
	}
	if kind, ok := domain.KindOf(err); ok {
		return kind.String()
	}
	return outcomeError
}
