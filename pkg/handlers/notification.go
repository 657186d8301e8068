// Package handlers provides HTTP request handlers
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/pipeline"
	"notification-pipeline/pkg/models"
	"notification-pipeline/pkg/services"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// NotificationHandler handles notification-related HTTP requests
type NotificationHandler struct {
	notificationService *services.NotificationService
	logger              *logrus.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(notificationService *services.NotificationService, logger *logrus.Logger) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
		logger:              logger,
	}
}

// bulkRequest is the body of POST /api/v1/notifications/bulk
type bulkRequest struct {
	UserIDs   []string                    `json:"user_ids" binding:"required,min=1"`
	Type      models.NotificationType     `json:"type" binding:"required"`
	Title     string                      `json:"title"`
	Message   string                      `json:"message"`
	Icon      string                      `json:"icon,omitempty"`
	EntityURL string                      `json:"entity_url,omitempty"`
	Priority  models.NotificationPriority `json:"priority,omitempty"`
	Category  models.NotificationCategory `json:"category,omitempty"`
	Data      map[string]interface{}      `json:"data,omitempty"`
	ExpiresAt *time.Time                  `json:"expires_at,omitempty"`
}

func (b bulkRequest) notification() models.NotificationRequest {
	return models.NotificationRequest{
		Type:       b.Type,
		EntityType: models.EntitySystem,
		Title:      b.Title,
		Message:    b.Message,
		Icon:       b.Icon,
		EntityURL:  b.EntityURL,
		Priority:   b.Priority,
		Category:   b.Category,
		Data:       b.Data,
		ExpiresAt:  b.ExpiresAt,
		Timestamp:  time.Now().UTC(),
	}
}

// SendNotification handles POST /api/v1/notifications
func (h *NotificationHandler) SendNotification(c *gin.Context) {
	var req models.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res, err := h.notificationService.SendNotification(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "Failed to send notification", err)
		return
	}

	switch {
	case res.Queued:
		c.JSON(http.StatusAccepted, models.APIResponse{Success: true, Message: "Notification queued successfully", Data: res})
	case res.Batched:
		c.JSON(http.StatusAccepted, models.APIResponse{Success: true, Message: "Notification added to batch", Data: res})
	default:
		c.JSON(http.StatusCreated, models.APIResponse{Success: true, Message: "Notification created successfully", Data: res})
	}
}

// SendBulk handles POST /api/v1/notifications/bulk
func (h *NotificationHandler) SendBulk(c *gin.Context) {
	var body bulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}

	req := body.notification()
	created, err := h.notificationService.SendBulk(c.Request.Context(), body.UserIDs, &req)
	if err != nil {
		h.writeError(c, "Failed to send bulk notifications", err)
		return
	}

	c.JSON(http.StatusCreated, models.APIResponse{
		Success: true,
		Message: "Bulk notifications created successfully",
		Data: gin.H{
			"created":   created,
			"requested": len(body.UserIDs),
		},
	})
}

// GetUserNotifications handles GET /api/v1/users/:user_id/notifications
func (h *NotificationHandler) GetUserNotifications(c *gin.Context) {
	userID := c.Param("user_id")
	limit := queryInt(c, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	list, err := h.notificationService.GetUserNotifications(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(c, "Failed to list notifications", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Notifications retrieved successfully",
		Data: gin.H{
			"notifications": list,
			"limit":         limit,
			"offset":        offset,
		},
	})
}

// GetNotificationStatus handles GET /api/v1/notifications/:id/status
func (h *NotificationHandler) GetNotificationStatus(c *gin.Context) {
	notificationID := c.Param("id")

	status, err := h.notificationService.GetNotificationStatus(c.Request.Context(), notificationID)
	if err != nil {
		h.writeError(c, "Notification status not found", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Notification status retrieved successfully",
		Data: gin.H{
			"notification_id": notificationID,
			"status":          status,
		},
	})
}

// GetRateLimitStatus handles GET /api/v1/ratelimit/:user_id
func (h *NotificationHandler) GetRateLimitStatus(c *gin.Context) {
	userID := c.Param("user_id")

	status, err := h.notificationService.RateLimitStatus(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "Failed to read rate limit", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Rate limit status retrieved successfully",
		Data:    status,
	})
}

// ResetRateLimit handles DELETE /api/v1/ratelimit/:user_id
func (h *NotificationHandler) ResetRateLimit(c *gin.Context) {
	userID := c.Param("user_id")

	if err := h.notificationService.ResetRateLimit(c.Request.Context(), userID); err != nil {
		h.writeError(c, "Failed to reset rate limit", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Rate limit reset successfully",
		Data:    gin.H{"user_id": userID},
	})
}

// HealthCheck handles GET /health
func (h *NotificationHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "API Gateway is healthy",
		Data: gin.H{
			"service": "notification-api-gateway",
			"status":  "running",
		},
	})
}

func (h *NotificationHandler) badRequest(c *gin.Context, err error) {
	h.logger.WithError(err).Warn("Invalid request payload")
	c.JSON(http.StatusBadRequest, models.APIResponse{
		Success: false,
		Message: "Invalid request payload",
		Error:   err.Error(),
	})
}

// writeError maps pipeline outcomes to HTTP statuses
func (h *NotificationHandler) writeError(c *gin.Context, message string, err error) {
	var limited *pipeline.RateLimitedError
	var duplicate *pipeline.DuplicateError

	resp := models.APIResponse{Success: false, Message: message, Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &limited):
		status = http.StatusTooManyRequests
		resp.Message = "Rate limit exceeded"
		data := gin.H{"rule": limited.Rule}
		if limited.RetryAfter > 0 {
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			data["retry_after_seconds"] = secs
		}
		resp.Data = data
	case errors.As(err, &duplicate):
		status = http.StatusConflict
		resp.Message = "Duplicate notification"
		resp.Data = gin.H{"existing_id": duplicate.ExistingID}
	case errors.Is(err, pipeline.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrNotificationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrDeliveryFailed):
		status = http.StatusServiceUnavailable
	}

	entry := h.logger.WithError(err).WithField("path", c.FullPath())
	if status >= http.StatusInternalServerError {
		entry.Error(message)
	} else {
		entry.Debug(message)
	}
	c.JSON(status, resp)
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
