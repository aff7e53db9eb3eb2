package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// Middleware counts requests, bytes in and out, and latency per route
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)
		method := r.Method

		requestSize := r.ContentLength
		if requestSize > 0 {
			m.bytesReceived.WithLabelValues(method, route).Add(float64(requestSize))
			m.requestSize.WithLabelValues(method, route).Observe(float64(requestSize))
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		m.httpRequests.WithLabelValues(method, route, status).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if rw.bytesWritten > 0 {
			m.bytesSent.WithLabelValues(method, route, status).Add(float64(rw.bytesWritten))
			m.responseSize.WithLabelValues(method, route, status).Observe(float64(rw.bytesWritten))
		}
	})
}

// routeLabel uses the mux path template so ids do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
