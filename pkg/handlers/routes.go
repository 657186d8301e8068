package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the API on router
func RegisterRoutes(router gin.IRouter, nh *NotificationHandler, hh *HealthHandler) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/notifications", nh.SendNotification)
		v1.POST("/notifications/bulk", nh.SendBulk)
		v1.GET("/notifications/:id/status", nh.GetNotificationStatus)
		v1.GET("/users/:user_id/notifications", nh.GetUserNotifications)
		v1.GET("/ratelimit/:user_id", nh.GetRateLimitStatus)
		v1.DELETE("/ratelimit/:user_id", nh.ResetRateLimit)
	}

	h := router.Group("/api/notifications/health")
	{
		h.GET("", hh.Get)
		h.POST("", hh.Post)
		h.PUT("", hh.Put)
	}

	router.GET("/health", nh.HealthCheck)
}
