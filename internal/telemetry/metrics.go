package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_jobs_completed_total", Help: "Jobs completed successfully"},
		[]string{"queue"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_jobs_failed_total", Help: "Job handler failures"},
		[]string{"queue", "reason"},
	)
	JobsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_jobs_dead_letter_total", Help: "Jobs moved to the terminal cancelled state by the dead-letter sweep"},
		[]string{"queue"},
	)
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_jobs_enqueued_total", Help: "Jobs accepted for dispatch"},
		[]string{"queue"},
	)
	InvoiceSendSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_invoice_send_success_total", Help: "Invoices accepted by the authority"},
		[]string{"env", "company"},
	)
	InvoiceSendFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "efaktura_invoice_send_failure_total", Help: "Invoice submissions that failed"},
		[]string{"env", "company", "reason"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "efaktura_queue_depth", Help: "Ready queue depth per queue"},
		[]string{"queue"},
	)
	VisibleJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "efaktura_jobs_visible", Help: "Pending jobs due for dispatch"},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "efaktura_jobs_inflight", Help: "Jobs currently leased"},
	)
	WebhookRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "efaktura_webhook_rate_limit_rejects_total", Help: "Webhook deliveries rejected by the rate limiter"},
	)
	RecurringGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "efaktura_recurring_invoices_total", Help: "Invoices materialized from recurring profiles"},
	)
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCompleted,
			JobsFailed,
			JobsDeadLettered,
			JobsEnqueued,
			InvoiceSendSuccess,
			InvoiceSendFailure,
			QueueDepth,
			VisibleJobs,
			InFlight,
			WebhookRejects,
			RecurringGenerated,
		)
	})
	return promhttp.Handler()
}
