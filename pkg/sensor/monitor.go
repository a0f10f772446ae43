package sensor

import (
	"context"
	"runtime"
	"time"

	"guesthub/pkg/logger"
	"guesthub/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MonitorConfig controls thresholds and intervals for the store monitor.
type MonitorConfig struct {
	PollInterval time.Duration

	DiskHighBytes uint64
	DiskLowBytes  uint64

	HeapHighBytes uint64

	// hysteresis window to consider recovery
	RecoveryWindow time.Duration
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:   5 * time.Second,
		DiskHighBytes:  8 << 30, // 8 GiB
		DiskLowBytes:   6 << 30,
		HeapHighBytes:  2 << 30,
		RecoveryWindow: 30 * time.Second,
	}
}

var (
	diskBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guesthub_store_disk_bytes",
		Help: "On-disk size of the message store.",
	})
	heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guesthub_heap_bytes",
		Help: "Heap in use as reported by the runtime.",
	})
	goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guesthub_goroutines",
		Help: "Number of live goroutines.",
	})
)

// StartMonitor starts a background monitor that exports store and runtime
// gauges and warns when the store outgrows its thresholds. It returns a
// function to stop the monitor.
func StartMonitor(ctx context.Context, cfg MonitorConfig) context.CancelFunc {
	if cfg.PollInterval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		state := "normal"
		var lastHigh time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				disk := store.DiskUsage()
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)

				diskBytes.Set(float64(disk))
				heapBytes.Set(float64(ms.HeapInuse))
				goroutines.Set(float64(runtime.NumGoroutine()))

				if cfg.HeapHighBytes > 0 && ms.HeapInuse >= cfg.HeapHighBytes {
					logger.Warn("monitor_heap_high", "heap_bytes", ms.HeapInuse, "threshold", cfg.HeapHighBytes)
				}

				if cfg.DiskHighBytes > 0 && disk >= cfg.DiskHighBytes {
					if state == "normal" {
						logger.Warn("monitor_disk_high", "disk_bytes", disk, "threshold", cfg.DiskHighBytes)
						state = "high"
					}
					lastHigh = time.Now()
					continue
				}
				if state == "high" && disk <= cfg.DiskLowBytes && time.Since(lastHigh) > cfg.RecoveryWindow {
					logger.Info("monitor_disk_recovered", "disk_bytes", disk)
					state = "normal"
				}
			}
		}
	}()
	return cancel
}
