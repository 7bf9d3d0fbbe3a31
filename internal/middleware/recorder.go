package middleware

import (
	"bufio"
	"net"
	"net/http"
)

// responseRecorder captures the status and body size of a response for
// Logging and HTTPMetrics. Nested middleware share one recorder.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	sent   bool
}

func recordResponse(w http.ResponseWriter) *responseRecorder {
	if rec, ok := w.(*responseRecorder); ok {
		return rec
	}
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader keeps the first status, as net/http does.
func (rec *responseRecorder) WriteHeader(code int) {
	if rec.sent {
		return
	}
	rec.status = code
	rec.sent = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	rec.sent = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap serves http.ResponseController.
func (rec *responseRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Hijack passes WebSocket upgrades through. A hijacked connection is
// recorded as 101.
func (rec *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, buf, err := http.NewResponseController(rec.ResponseWriter).Hijack()
	if err == nil && !rec.sent {
		rec.status = http.StatusSwitchingProtocols
		rec.sent = true
	}
	return conn, buf, err
}
