package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/pkg/models"
)

func TestBuilders(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	long := strings.Repeat("x", 60)

	reply := DiscussionReply("u1", "a1", "Ann", long, "d1", now)
	assert.Equal(t, `Ann replied to "`+strings.Repeat("x", 50)+`..."`, reply.Message)
	require.NotNil(t, reply.ExpiresAt)
	assert.Equal(t, now.Add(30*24*time.Hour), *reply.ExpiresAt)
	assert.Equal(t, "/discussions/d1", reply.ToCreateParams().EntityURL)

	shared := ChartShared("u1", "a1", "Ann", "My chart", "c1", now)
	assert.Equal(t, "/chart/shared/c1", shared.ToCreateParams().EntityURL)

	warning := AdminWarning("u1", "Spam", "", now)
	assert.Equal(t, "Spam", warning.Message)
	assert.Equal(t, models.PriorityUrgent, warning.Priority)
	assert.Equal(t, "Spam: links", AdminWarning("u1", "Spam", "links", now).Message)

	welcome := Welcome("u1", "ann", "Starbound", true, now)
	assert.Equal(t, "Welcome to Starbound!", welcome.Title)
	assert.Equal(t, "/guides", welcome.EntityURL)
	assert.Equal(t, "Welcome back!", Welcome("u1", "ann", "Starbound", false, now).Title)
}

func TestEventReminderWording(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		when     ReminderTime
		message  string
		priority models.NotificationPriority
	}{
		{ReminderDay, "Tomorrow: Full moon", models.PriorityMedium},
		{ReminderHour, "In 1 hour: Full moon", models.PriorityHigh},
		{ReminderNow, "Happening now: Full moon", models.PriorityUrgent},
		{"", "Tomorrow: Full moon", models.PriorityMedium},
	}
	for _, tt := range tests {
		req := EventReminder("u1", "Full moon", "2024-06-22", "e1", tt.when, now)
		assert.Equal(t, tt.message, req.Message)
		assert.Equal(t, tt.priority, req.Priority)
		assert.Equal(t, "/events?eventId=e1", req.EntityURL)
	}
}
