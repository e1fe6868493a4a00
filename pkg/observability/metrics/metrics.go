package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "academy"

// Collector exposes the activity pipeline's Prometheus metrics and implements
// activity.Observer.
type Collector struct {
	registry *prometheus.Registry

	recorded       *prometheus.CounterVec
	lockTimeouts   *prometheus.CounterVec
	degraded       prometheus.Counter
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram
	rowsUploaded   prometheus.Counter
	fieldsAdded    prometheus.Counter
	backups        prometheus.Counter
	backupRecords  prometheus.Counter

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "recorded_total",
			Help:      "Activities appended to a shard buffer.",
		}, []string{"kind", "shard"}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "lock_timeouts_total",
			Help:      "Shard lock acquisitions that gave up after the blocking window.",
		}, []string{"scope"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "dispatch_degraded_total",
			Help:      "Dispatches that fell back to shard 0 because the cursor was locked.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "uploads_total",
			Help:      "Upload runs by outcome.",
		}, []string{"outcome"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "upload_duration_seconds",
			Help:      "Wall time of upload runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		rowsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "rows_uploaded_total",
			Help:      "Rows written to the warehouse.",
		}),
		fieldsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "schema_fields_added_total",
			Help:      "Columns added to the warehouse table.",
		}),
		backups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "backups_written_total",
			Help:      "Failed uploads whose batch was saved to a backup slot.",
		}),
		backupRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "backup_records_total",
			Help:      "Records saved to backup slots.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	for _, col := range []prometheus.Collector{
		c.recorded, c.lockTimeouts, c.degraded, c.uploads, c.uploadDuration,
		c.rowsUploaded, c.fieldsAdded, c.backups, c.backupRecords,
		c.requestDuration, c.requestTotal,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ActivityRecorded(kind string, shard int) {
	c.recorded.WithLabelValues(kind, strconv.Itoa(shard)).Inc()
}

func (c *Collector) LockTimeout(scope string) {
	c.lockTimeouts.WithLabelValues(scope).Inc()
}

func (c *Collector) DispatchDegraded() {
	c.degraded.Inc()
}

func (c *Collector) UploadFinished(outcome string, rows, fieldsAdded int, took time.Duration) {
	c.uploads.WithLabelValues(outcome).Inc()
	c.uploadDuration.Observe(took.Seconds())
	if outcome == "uploaded" {
		c.rowsUploaded.Add(float64(rows))
	}
	c.fieldsAdded.Add(float64(fieldsAdded))
}

func (c *Collector) BackupWritten(records int) {
	c.backups.Inc()
	c.backupRecords.Add(float64(records))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		c.requestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
