package health

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"notification-pipeline/internal/dedup"
	"notification-pipeline/internal/delivery"
	"notification-pipeline/internal/ratelimit"
)

// SystemStats are the component counters attached to detailed reports
type SystemStats struct {
	Delivery  delivery.Stats  `json:"delivery"`
	Dedup     dedup.Stats     `json:"deduplication"`
	RateLimit ratelimit.Stats `json:"rateLimit"`
}

// Runtime describes the running process
type Runtime struct {
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	AllocBytes     uint64  `json:"allocBytes"`
	HeapInuseBytes uint64  `json:"heapInuseBytes"`
	Goroutines     int     `json:"goroutines"`
	GoVersion      string  `json:"goVersion"`
	GOOS           string  `json:"goos"`
	GOARCH         string  `json:"goarch"`
}

// RuntimeInfo samples the current process
func RuntimeInfo(started, now time.Time) Runtime {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Runtime{
		UptimeSeconds:  now.Sub(started).Seconds(),
		AllocBytes:     ms.Alloc,
		HeapInuseBytes: ms.HeapInuse,
		Goroutines:     runtime.NumGoroutine(),
		GoVersion:      runtime.Version(),
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
	}
}

func statusValue(s Status) string {
	switch s {
	case StatusHealthy:
		return "1"
	case StatusWarning:
		return "0.5"
	}
	return "0"
}

// WritePrometheus renders a report in the Prometheus text exposition format.
// stats and rt are optional.
func WritePrometheus(w io.Writer, r Report, stats *SystemStats, rt *Runtime, now time.Time) error {
	var b strings.Builder
	gauge := func(name, value string) {
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %s\n", name, name, value)
	}

	gauge("notification_system_health_score", fmt.Sprint(r.Score))
	gauge("notification_system_alert_count", fmt.Sprint(len(r.Alerts)))

	for _, m := range r.Metrics {
		name := "notification_" + strings.TrimPrefix(m.Name, "notification_")
		gauge(name, formatValue(m.Value))
		fmt.Fprintf(&b, "# TYPE %s_status gauge\n%s_status{status=%q} %s\n", name, name, string(m.Status), statusValue(m.Status))
	}

	if stats != nil {
		gauge("notification_delivery_total_attempts", fmt.Sprint(stats.Delivery.TotalAttempts))
		gauge("notification_delivery_successful", fmt.Sprint(stats.Delivery.SuccessfulDeliveries))
		gauge("notification_delivery_failed", fmt.Sprint(stats.Delivery.FailedDeliveries))
		gauge("notification_delivery_expired", fmt.Sprint(stats.Delivery.ExpiredNotifications))
		gauge("notification_delivery_pending_retries", fmt.Sprint(stats.Delivery.PendingRetries))

		gauge("notification_rate_limit_users_total", fmt.Sprint(stats.RateLimit.TotalUsers))
		gauge("notification_rate_limit_users_on_cooldown", fmt.Sprint(stats.RateLimit.UsersOnCooldown))
		gauge("notification_rate_limit_notifications_tracked", fmt.Sprint(stats.RateLimit.TotalNotificationsTracked))
		gauge("notification_rate_limit_violations_last_hour", fmt.Sprint(stats.RateLimit.ViolationsLastHour))

		gauge("notification_deduplication_cache_size", fmt.Sprint(stats.Dedup.CacheSize))
		gauge("notification_deduplication_checks", fmt.Sprint(stats.Dedup.Checks))
		gauge("notification_deduplication_duplicates", fmt.Sprint(stats.Dedup.Duplicates))
	}

	if rt != nil {
		gauge("notification_system_uptime_seconds", formatValue(rt.UptimeSeconds))
		gauge("notification_system_memory_alloc_bytes", fmt.Sprint(rt.AllocBytes))
		gauge("notification_system_memory_heap_inuse_bytes", fmt.Sprint(rt.HeapInuseBytes))
		gauge("notification_system_goroutines", fmt.Sprint(rt.Goroutines))
	}

	gauge("notification_system_last_update_timestamp", fmt.Sprint(now.UnixMilli()))

	_, err := io.WriteString(w, b.String())
	return err
}
