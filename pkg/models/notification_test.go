package models

import (
	"testing"
	"time"
)

func TestNewNotification(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	params := CreateParams{
		UserID:  "user123",
		Type:    TypeDiscussionReply,
		Title:   "Test Title",
		Message: "Test Message",
		Data: map[string]interface{}{
			"type": "test",
		},
	}

	notification := NewNotification(params, now)

	if notification.ID == "" {
		t.Error("Notification ID should not be empty")
	}

	if notification.UserID != params.UserID {
		t.Errorf("Expected UserID %s, got %s", params.UserID, notification.UserID)
	}

	if notification.Priority != PriorityMedium {
		t.Errorf("Expected default priority %s, got %s", PriorityMedium, notification.Priority)
	}

	if notification.Category != CategorySocial {
		t.Errorf("Expected default category %s, got %s", CategorySocial, notification.Category)
	}

	if notification.DeliveryMethod != "in_app" {
		t.Errorf("Expected delivery method in_app, got %s", notification.DeliveryMethod)
	}

	if !notification.CreatedAt.Equal(now) || !notification.UpdatedAt.Equal(now) {
		t.Error("CreatedAt and UpdatedAt should equal the supplied time")
	}

	if notification.Metadata == nil {
		t.Error("Metadata should be initialised")
	}
}

func TestNotification_IsExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	n := &Notification{}
	if n.IsExpired(now) {
		t.Error("Notification without expiry should not be expired")
	}

	n.ExpiresAt = &past
	if !n.IsExpired(now) {
		t.Error("Notification with past expiry should be expired")
	}

	n.ExpiresAt = &future
	if n.IsExpired(now) {
		t.Error("Notification with future expiry should not be expired")
	}
}

func TestMetadata_Merge(t *testing.T) {
	base := Metadata{"deliveryStatus": "pending", "source": "api"}
	merged := base.Merge(Metadata{"deliveryStatus": "delivered", "attemptId": "a1"})

	if merged["deliveryStatus"] != "delivered" {
		t.Errorf("Expected deliveryStatus to be overwritten, got %v", merged["deliveryStatus"])
	}
	if merged["source"] != "api" {
		t.Errorf("Expected source to survive the merge, got %v", merged["source"])
	}
	if base["deliveryStatus"] != "pending" {
		t.Error("Merge must not mutate the receiver")
	}
}

func TestEntityURL(t *testing.T) {
	tests := []struct {
		entityType EntityType
		id         string
		want       string
	}{
		{EntityDiscussion, "d1", "/discussions/d1"},
		{EntityChart, "c1", "/chart/c1"},
		{EntityUser, "u1", "/profile/u1"},
		{EntityEvent, "e1", "/events/e1"},
		{EntityReply, "r1", "/notifications"},
		{EntityDiscussion, "", "/notifications"},
	}

	for _, tt := range tests {
		if got := EntityURL(tt.entityType, tt.id); got != tt.want {
			t.Errorf("EntityURL(%s, %q) = %s, want %s", tt.entityType, tt.id, got, tt.want)
		}
	}
}

func TestNotificationRequest_ToCreateParams(t *testing.T) {
	req := &NotificationRequest{
		UserID:     "u1",
		Type:       TypeDiscussionMention,
		EntityType: EntityDiscussion,
		EntityID:   "d9",
		ActorID:    "a1",
		Title:      "You were mentioned",
	}

	params := req.ToCreateParams()
	if params.EntityURL != "/discussions/d9" {
		t.Errorf("Expected derived entity URL, got %s", params.EntityURL)
	}
	if params.ActorID != "a1" || params.Type != TypeDiscussionMention {
		t.Errorf("Unexpected params: %+v", params)
	}
}
