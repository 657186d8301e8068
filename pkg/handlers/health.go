package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/health"
	"notification-pipeline/internal/pipeline"
	"notification-pipeline/pkg/services"
)

const prometheusContentType = "text/plain; version=0.0.4; charset=utf-8"

// HealthHandler serves /api/notifications/health
type HealthHandler struct {
	notificationService *services.NotificationService
	monitorCtx          context.Context
	started             time.Time
	interval            time.Duration
	logger              *logrus.Logger
}

// NewHealthHandler creates a health handler. Monitoring started through the
// API runs until monitorCtx ends.
func NewHealthHandler(monitorCtx context.Context, notificationService *services.NotificationService, interval time.Duration, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		notificationService: notificationService,
		monitorCtx:          monitorCtx,
		started:             time.Now(),
		interval:            interval,
		logger:              logger,
	}
}

type detailedReport struct {
	health.Report
	SystemStats health.SystemStats `json:"systemStats"`
	Performance health.Runtime     `json:"performance"`
}

type healthAction struct {
	Action          string `json:"action" binding:"required"`
	IntervalMinutes int    `json:"intervalMinutes"`
	AlertID         string `json:"alertId"`
	HoursOld        int    `json:"hoursOld"`
	UserID          string `json:"userId"`
}

func (h *HealthHandler) monitor() *health.Monitor {
	return h.notificationService.Pipeline().Health()
}

// Get handles GET /api/notifications/health. detailed=true adds component
// stats; format=prometheus renders the text exposition format.
func (h *HealthHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()
	report := h.monitor().PerformHealthCheck(ctx)

	detailed := c.Query("detailed") == "true"
	format := c.DefaultQuery("format", "json")

	if !detailed && format != "prometheus" {
		c.JSON(http.StatusOK, gin.H{
			"status":      report.Overall,
			"score":       report.Score,
			"alertCount":  len(report.Alerts),
			"lastChecked": report.LastChecked,
			"uptime":      now.Sub(h.started).Seconds(),
		})
		return
	}

	stats, err := h.notificationService.Pipeline().SystemStats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to collect system stats")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    health.OverallCritical,
			"score":     0,
			"error":     err.Error(),
			"timestamp": now.UTC(),
		})
		return
	}
	rt := health.RuntimeInfo(h.started, now)

	if format == "prometheus" {
		var buf bytes.Buffer
		if err := health.WritePrometheus(&buf, report, &stats, &rt, now); err != nil {
			h.logger.WithError(err).Error("Failed to render metrics")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, prometheusContentType, buf.Bytes())
		return
	}

	c.JSON(http.StatusOK, detailedReport{Report: report, SystemStats: stats, Performance: rt})
}

// Post handles POST /api/notifications/health control actions
func (h *HealthHandler) Post(c *gin.Context) {
	var body healthAction
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required", "details": err.Error()})
		return
	}

	m := h.monitor()
	switch body.Action {
	case "start":
		interval := h.interval
		if body.IntervalMinutes > 0 {
			interval = time.Duration(body.IntervalMinutes) * time.Minute
		}
		m.Start(h.monitorCtx, interval)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("Health monitoring started with %s interval", interval),
		})

	case "stop":
		m.Stop()
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Health monitoring stopped"})

	case "check":
		c.JSON(http.StatusOK, gin.H{"success": true, "healthReport": m.PerformHealthCheck(c.Request.Context())})

	case "resolve_alert":
		if body.AlertID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "alertId is required for resolve_alert action"})
			return
		}
		if !m.ResolveAlert(body.AlertID) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("alert %s not found", body.AlertID)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Alert %s resolved", body.AlertID)})

	case "get_alerts":
		c.JSON(http.StatusOK, gin.H{"success": true, "alerts": m.ActiveAlerts()})

	case "cleanup":
		hours := body.HoursOld
		if hours <= 0 {
			hours = 24
		}
		age := time.Duration(hours) * time.Hour
		alerts := m.ClearOldAlerts(age)
		attempts := h.notificationService.Pipeline().Delivery().CleanupAttemptsOlderThan(age)
		c.JSON(http.StatusOK, gin.H{
			"success":         true,
			"message":         "System cleanup completed",
			"alertsRemoved":   alerts,
			"attemptsRemoved": attempts,
		})

	case "test_reliability":
		if body.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required for test_reliability action"})
			return
		}
		h.testReliability(c, body.UserID)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown action: %s", body.Action)})
	}
}

// testReliability sends one system notification through the full pipeline
// and reports what happened to it
func (h *HealthHandler) testReliability(c *gin.Context, userID string) {
	req := pipeline.SystemAnnouncement(userID,
		"Notification Reliability Test",
		"This is a test notification to verify delivery.",
		"/notifications", time.Now())

	res, err := h.notificationService.SendNotification(c.Request.Context(), &req)
	out := gin.H{
		"success": err == nil,
		"message": "Reliability test completed. Check health status for results.",
		"result":  res,
	}
	if err != nil {
		out["error"] = err.Error()
		h.logger.WithError(err).WithField("user_id", userID).Warn("Reliability test notification was not created")
	}
	c.JSON(http.StatusOK, out)
}

// Put handles PUT /api/notifications/health and returns diagnostics
func (h *HealthHandler) Put(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()

	stats, err := h.notificationService.Pipeline().SystemStats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get system diagnostics")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Failed to get system diagnostics",
			"details":   err.Error(),
			"timestamp": now.UTC(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":     now.UTC(),
		"health":        h.monitor().PerformHealthCheck(ctx),
		"delivery":      stats.Delivery,
		"deduplication": stats.Dedup,
		"rateLimit":     stats.RateLimit,
		"batches":       h.notificationService.Pipeline().Batches().Stats(),
		"monitoring":    h.monitor().Running(),
		"system":        health.RuntimeInfo(h.started, now),
	})
}
