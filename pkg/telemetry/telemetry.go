package telemetry

// Minimal, low-overhead request telemetry designed for local usage.
// Only slow requests are written out (see slowThreshold); everything else
// feeds the request duration metrics and nothing more.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"guesthub/pkg/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writerOnce    sync.Once
	writerCh      chan []byte
	requestCtr    uint64
	slowThreshold = 500 * time.Millisecond

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guesthub_http_request_seconds",
		Help:    "HTTP request duration by method and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// SetSlowThreshold overrides the duration above which requests are logged.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slowThreshold = d
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// initWriter lazily starts a background writer that appends JSON lines under
// the state telemetry dir. Best-effort: if the file cannot be opened the
// writer drains and drops.
func initWriter() {
	writerCh = make(chan []byte, 1024)
	go func() {
		dir := state.PathsVar.Telemetry
		if dir == "" {
			dir = filepath.Join("data", "state", "telemetry")
		}
		_ = os.MkdirAll(dir, 0o700)
		f, err := os.OpenFile(filepath.Join(dir, "slow.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			for range writerCh {
			}
			return
		}
		defer f.Close()
		for b := range writerCh {
			_, _ = f.Write(append(b, '\n'))
		}
	}()
}

// Middleware records request durations and writes a JSON line for any request
// slower than the slow threshold.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)

		dur := time.Since(start)
		requestDuration.WithLabelValues(r.Method, statusClass(srw.status)).Observe(dur.Seconds())

		if dur <= slowThreshold {
			return
		}
		rec := map[string]any{
			"request_id":  genRequestID(),
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": dur.Milliseconds(),
			"status":      srw.status,
			"ts":          start.UTC().Format(time.RFC3339Nano),
		}
		b, _ := json.Marshal(rec)
		writerOnce.Do(initWriter)
		select {
		case writerCh <- b:
		default:
			// drop if channel full to avoid blocking
		}
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func genRequestID() string {
	n := atomic.AddUint64(&requestCtr, 1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano()/1e6, n)
}
