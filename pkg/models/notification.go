// Package models defines the data structures used throughout the notification pipeline
package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType identifies what happened to trigger a notification
type NotificationType string

const (
	TypeDiscussionReply    NotificationType = "discussion_reply"
	TypeDiscussionLike     NotificationType = "discussion_like"
	TypeDiscussionMention  NotificationType = "discussion_mention"
	TypeCommentLike        NotificationType = "comment_like"
	TypeCommentReply       NotificationType = "comment_reply"
	TypeChartShared        NotificationType = "chart_shared"
	TypeChartComment       NotificationType = "chart_comment"
	TypeChartLike          NotificationType = "chart_like"
	TypeEventReminder      NotificationType = "event_reminder"
	TypeEventBookmark      NotificationType = "event_bookmark"
	TypeFollow             NotificationType = "follow"
	TypeSystemAnnouncement NotificationType = "system_announcement"
	TypeSystemMaintenance  NotificationType = "system_maintenance"
	TypeAdminMessage       NotificationType = "admin_message"
	TypeAdminWarning       NotificationType = "admin_warning"
	TypePremiumUpgrade     NotificationType = "premium_upgrade"
	TypePremiumExpiry      NotificationType = "premium_expiry"
	TypeWelcome            NotificationType = "welcome"
	TypeNewsletter         NotificationType = "newsletter"
	TypeRateLimitWarning   NotificationType = "rate_limit_warning"
)

// NotificationPriority represents the priority level of a notification
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// NotificationCategory groups notification types for filtering
type NotificationCategory string

const (
	CategorySocial      NotificationCategory = "social"
	CategorySystem      NotificationCategory = "system"
	CategoryAdmin       NotificationCategory = "admin"
	CategoryPremium     NotificationCategory = "premium"
	CategoryReminder    NotificationCategory = "reminder"
	CategoryAchievement NotificationCategory = "achievement"
)

// EntityType is the kind of object a notification points at
type EntityType string

const (
	EntityDiscussion EntityType = "discussion"
	EntityReply      EntityType = "reply"
	EntityChart      EntityType = "chart"
	EntityEvent      EntityType = "event"
	EntityUser       EntityType = "user"
	EntitySystem     EntityType = "system"
	EntityAnalytics  EntityType = "analytics"
)

// DeliveryStatus is stamped into notification metadata by the delivery manager
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

// Metadata is a free-form JSON object attached to a notification.
// Updates merge keys shallowly.
type Metadata map[string]interface{}

// Merge copies every key of other into a copy of m.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// NotificationRequest represents an incoming request to notify a user
type NotificationRequest struct {
	UserID       string                 `json:"user_id" binding:"required"`
	Type         NotificationType       `json:"type" binding:"required"`
	EntityType   EntityType             `json:"entity_type,omitempty"`
	EntityID     string                 `json:"entity_id,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ActorName    string                 `json:"actor_name,omitempty"`
	ContextTitle string                 `json:"context_title,omitempty"`
	Title        string                 `json:"title,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Icon         string                 `json:"icon,omitempty"`
	EntityURL    string                 `json:"entity_url,omitempty"`
	Priority     NotificationPriority   `json:"priority,omitempty"`
	Category     NotificationCategory   `json:"category,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// CreateParams is the input accepted by the persistence layer
type CreateParams struct {
	UserID         string                 `json:"user_id"`
	Type           NotificationType       `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Icon           string                 `json:"icon,omitempty"`
	Priority       NotificationPriority   `json:"priority"`
	Category       NotificationCategory   `json:"category"`
	EntityType     EntityType             `json:"entity_type,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	EntityURL      string                 `json:"entity_url,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	DeliveryMethod string                 `json:"delivery_method,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       Metadata               `json:"metadata,omitempty"`
}

// Notification represents a persisted notification
type Notification struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Type           NotificationType       `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Icon           string                 `json:"icon,omitempty"`
	Priority       NotificationPriority   `json:"priority"`
	Category       NotificationCategory   `json:"category"`
	EntityType     EntityType             `json:"entity_type,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	EntityURL      string                 `json:"entity_url,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	IsRead         bool                   `json:"is_read"`
	DeliveryMethod string                 `json:"delivery_method"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       Metadata               `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewNotification builds a notification from create params, assigning an ID
// and timestamps.
func NewNotification(params CreateParams, now time.Time) *Notification {
	method := params.DeliveryMethod
	if method == "" {
		method = "in_app"
	}
	priority := params.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	category := params.Category
	if category == "" {
		category = CategorySocial
	}
	metadata := params.Metadata
	if metadata == nil {
		metadata = Metadata{}
	}

	return &Notification{
		ID:             uuid.New().String(),
		UserID:         params.UserID,
		Type:           params.Type,
		Title:          params.Title,
		Message:        params.Message,
		Icon:           params.Icon,
		Priority:       priority,
		Category:       category,
		EntityType:     params.EntityType,
		EntityID:       params.EntityID,
		EntityURL:      params.EntityURL,
		ActorID:        params.ActorID,
		DeliveryMethod: method,
		ExpiresAt:      params.ExpiresAt,
		Data:           params.Data,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsExpired reports whether the notification has passed its expiry time
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// ToCreateParams converts a request into persistence input
func (r *NotificationRequest) ToCreateParams() CreateParams {
	url := r.EntityURL
	if url == "" && r.EntityType != "" {
		url = EntityURL(r.EntityType, r.EntityID)
	}
	return CreateParams{
		UserID:     r.UserID,
		Type:       r.Type,
		Title:      r.Title,
		Message:    r.Message,
		Icon:       r.Icon,
		Priority:   r.Priority,
		Category:   r.Category,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		EntityURL:  url,
		ActorID:    r.ActorID,
		ExpiresAt:  r.ExpiresAt,
		Data:       r.Data,
	}
}

// EntityURL returns the in-app link for an entity
func EntityURL(entityType EntityType, entityID string) string {
	if entityID == "" {
		return "/notifications"
	}
	switch entityType {
	case EntityDiscussion:
		return "/discussions/" + entityID
	case EntityChart:
		return "/chart/" + entityID
	case EntityUser:
		return "/profile/" + entityID
	case EntityEvent:
		return "/events/" + entityID
	default:
		return "/notifications"
	}
}
