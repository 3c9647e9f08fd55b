// Package metrics provides Prometheus metrics for the upload relay.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploader_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upload metrics
	filesUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_files_uploaded_total",
			Help: "Total number of files forwarded to the backend",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploader_upload_bytes_total",
			Help: "Total bytes forwarded to the backend",
		},
	)

	uploadRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_upload_rejects_total",
			Help: "Total rejected upload requests",
		},
		[]string{"reason"},
	)

	// Backend operation metrics
	backendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uploader_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	backendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploader_backend_operations_total",
			Help: "Total backend operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordFileUpload records one forwarded file.
func RecordFileUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	filesUploadedTotal.WithLabelValues(status).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordUploadReject records a rejected upload request.
func RecordUploadReject(reason string) {
	uploadRejectsTotal.WithLabelValues(reason).Inc()
}

// RecordBackendOperation records a backend operation.
func RecordBackendOperation(operation string, duration time.Duration, success bool) {
	backendOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOpsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
