package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"notification-pipeline/internal/health"
	"notification-pipeline/internal/kafka"
	"notification-pipeline/internal/worker"
	"notification-pipeline/pkg/models"
)

const prometheusContentType = "text/plain; version=0.0.4; charset=utf-8"

// opsHandler builds the router for health checks, metrics and manual sends
func (n *notifier) opsHandler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", n.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", n.metricsHandler).Methods(http.MethodGet)
	router.HandleFunc("/ratelimit/{userID}", n.rateLimitHandler).Methods(http.MethodGet)
	router.HandleFunc("/send", n.sendHandler).Methods(http.MethodPost)

	logged := h.CombinedLoggingHandler(n.logger.Writer(), router)
	return h.RecoveryHandler(h.RecoveryLogger(n.logger), h.PrintRecoveryStack(true))(logged)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *notifier) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]interface{}{
		"service":   "notifier",
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	unhealthy := func(key string, err error) {
		status["status"] = "unhealthy"
		status[key] = err.Error()
	}

	if err := n.pool.IsHealthy(); err != nil {
		unhealthy("worker_pool_error", err)
	}
	if n.app.Redis != nil {
		if err := n.app.Redis.Ping(ctx); err != nil {
			unhealthy("redis_error", err)
		}
	}
	if n.consumer != nil {
		if err := kafka.HealthCheck(n.app.Config.Kafka.Brokers); err != nil {
			unhealthy("kafka_error", err)
		}
	}

	results := n.app.Providers.HealthCheckAll(ctx)
	healthy := 0
	for _, err := range results {
		if err == nil {
			healthy++
		}
	}
	status["healthy_providers"] = healthy
	status["total_providers"] = len(results)
	if err := n.app.Providers.Healthy(ctx); err != nil {
		unhealthy("provider_error", err)
	}

	report := n.app.Pipeline.Health().PerformHealthCheck(ctx)
	status["pipeline"] = report.Overall
	status["score"] = report.Score

	code := http.StatusOK
	if status["status"] != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (n *notifier) metricsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	report := n.app.Pipeline.Health().PerformHealthCheck(ctx)
	stats, err := n.app.Pipeline.SystemStats(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting stats: %v", err), http.StatusInternalServerError)
		return
	}
	rt := health.RuntimeInfo(n.started, now)

	var buf bytes.Buffer
	if err := health.WritePrometheus(&buf, report, &stats, &rt, now); err != nil {
		http.Error(w, fmt.Sprintf("Error rendering metrics: %v", err), http.StatusInternalServerError)
		return
	}
	if err := writeWorkerMetrics(&buf, n.pool.Metrics(), n.app.Config.Worker.Count); err != nil {
		http.Error(w, fmt.Sprintf("Error rendering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", prometheusContentType)
	_, _ = w.Write(buf.Bytes())
}

func writeWorkerMetrics(w io.Writer, m worker.Metrics, workers int) error {
	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"notification_worker_processed_total", "Requests processed by the worker pool", m.Processed},
		{"notification_worker_batched_total", "Requests added to a pending batch", m.Batched},
		{"notification_worker_failed_total", "Requests that failed with an internal error", m.Failed},
		{"notification_worker_rate_limited_total", "Requests rejected by the rate limiter", m.RateLimited},
		{"notification_worker_duplicates_total", "Requests rejected as duplicates", m.Duplicates},
	}
	for _, c := range counters {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", c.name, c.help, c.name, c.name, c.value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w,
		"# HELP notification_worker_queue_size Requests waiting for a worker\n# TYPE notification_worker_queue_size gauge\nnotification_worker_queue_size %d\n"+
			"# HELP notification_worker_count Configured workers\n# TYPE notification_worker_count gauge\nnotification_worker_count %d\n",
		m.QueueSize, workers)
	return err
}

func (n *notifier) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		http.Error(w, "userID is required", http.StatusBadRequest)
		return
	}

	status, err := n.service.RateLimitStatus(r.Context(), userID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error getting rate limit: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"local":   status.Local,
		"shared":  status.Shared,
	})
}

// sendHandler queues a request straight onto the worker pool
func (n *notifier) sendHandler(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Type == "" {
		http.Error(w, "user_id and type are required", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	if err := n.pool.Submit(&req); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Failed to queue notification: %v", err), code)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":    "Notification queued",
		"user_id":    req.UserID,
		"queue_size": n.pool.QueueSize(),
	})
}
