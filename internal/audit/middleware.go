package audit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// responseWriter captures the status code for the audit record.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// RequestAudit creates middleware that records every API request as an
// audit event. Probe endpoints are excluded to keep the trail readable.
func RequestAudit(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAudit(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			service.logAsync(requestEvent(r, wrapped.statusCode, time.Since(start)))
		})
	}
}

func skipAudit(path string) bool {
	switch {
	case path == "/health", path == "/ready", path == "/metrics":
		return true
	}
	return false
}

// requestEvent constructs an audit event from the HTTP request
func requestEvent(r *http.Request, statusCode int, duration time.Duration) *Event {
	event := &Event{
		Type:     EventTypeAPIRequest,
		Severity: severityForStatus(statusCode),
		Detail:   r.Method + " " + r.URL.Path,
		Metadata: map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": statusCode,
			"duration_ms": duration.Milliseconds(),
			"ip":          extractIP(r),
		},
	}
	if r.URL.RawQuery != "" {
		event.Metadata["query"] = r.URL.RawQuery
	}
	if agent := r.UserAgent(); agent != "" {
		event.Metadata["user_agent"] = agent
	}
	return event
}

// extractIP resolves the client address, trusting proxy headers first.
func extractIP(r *http.Request) string {
	if chain := r.Header.Get("X-Forwarded-For"); chain != "" {
		first, _, _ := strings.Cut(chain, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// severityForStatus maps HTTP status codes to severity levels
func severityForStatus(statusCode int) Severity {
	switch {
	case statusCode >= 500:
		return SeverityError
	case statusCode >= 400:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
