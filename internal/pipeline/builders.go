package pipeline

import (
	"fmt"
	"time"

	"notification-pipeline/pkg/models"
)

const day = 24 * time.Hour

func expiresIn(now time.Time, d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func short(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// DiscussionReply notifies a discussion author about a reply
func DiscussionReply(userID, actorID, replierName, discussionTitle, discussionID string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeDiscussionReply,
		EntityType:   models.EntityDiscussion,
		EntityID:     discussionID,
		ActorID:      actorID,
		ActorName:    replierName,
		ContextTitle: discussionTitle,
		Title:        "New reply to your discussion",
		Message:      fmt.Sprintf(`%s replied to "%s"`, replierName, short(discussionTitle, 50)),
		Icon:         "💬",
		Priority:     models.PriorityMedium,
		Category:     models.CategorySocial,
		ExpiresAt:    expiresIn(now, 30*day),
		Timestamp:    now,
	}
}

// DiscussionLike notifies a discussion author about a like
func DiscussionLike(userID, actorID, likerName, discussionTitle, discussionID string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeDiscussionLike,
		EntityType:   models.EntityDiscussion,
		EntityID:     discussionID,
		ActorID:      actorID,
		ActorName:    likerName,
		ContextTitle: discussionTitle,
		Title:        "Your discussion was liked",
		Message:      fmt.Sprintf(`%s liked your discussion "%s"`, likerName, short(discussionTitle, 50)),
		Icon:         "👍",
		Priority:     models.PriorityLow,
		Category:     models.CategorySocial,
		ExpiresAt:    expiresIn(now, 7*day),
		Timestamp:    now,
	}
}

// DiscussionMention notifies a user mentioned in a discussion
func DiscussionMention(userID, actorID, mentionerName, discussionTitle, discussionID string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeDiscussionMention,
		EntityType:   models.EntityDiscussion,
		EntityID:     discussionID,
		ActorID:      actorID,
		ActorName:    mentionerName,
		ContextTitle: discussionTitle,
		Title:        "You were mentioned",
		Message:      fmt.Sprintf(`%s mentioned you in "%s"`, mentionerName, short(discussionTitle, 50)),
		Icon:         "@",
		Priority:     models.PriorityHigh,
		Category:     models.CategorySocial,
		ExpiresAt:    expiresIn(now, 14*day),
		Timestamp:    now,
	}
}

// ChartShared notifies a user that a chart was shared with them
func ChartShared(userID, actorID, sharerName, chartTitle, chartID string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeChartShared,
		EntityType:   models.EntityChart,
		EntityID:     chartID,
		ActorID:      actorID,
		ActorName:    sharerName,
		ContextTitle: chartTitle,
		Title:        "Chart shared with you",
		Message:      fmt.Sprintf(`%s shared a natal chart: "%s"`, sharerName, chartTitle),
		Icon:         "⭐",
		Priority:     models.PriorityMedium,
		Category:     models.CategorySocial,
		EntityURL:    "/chart/shared/" + chartID,
		ExpiresAt:    expiresIn(now, 30*day),
		Timestamp:    now,
	}
}

// ChartComment notifies a chart owner about a comment
func ChartComment(userID, actorID, commenterName, chartTitle, chartID string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeChartComment,
		EntityType:   models.EntityChart,
		EntityID:     chartID,
		ActorID:      actorID,
		ActorName:    commenterName,
		ContextTitle: chartTitle,
		Title:        "New comment on your chart",
		Message:      fmt.Sprintf(`%s commented on your chart "%s"`, commenterName, chartTitle),
		Icon:         "💭",
		Priority:     models.PriorityMedium,
		Category:     models.CategorySocial,
		ExpiresAt:    expiresIn(now, 14*day),
		Timestamp:    now,
	}
}

// ReminderTime selects the wording of an event reminder
type ReminderTime string

const (
	ReminderDay  ReminderTime = "day"
	ReminderHour ReminderTime = "hour"
	ReminderNow  ReminderTime = "now"
)

// EventReminder reminds a user about an upcoming event
func EventReminder(userID, eventTitle, eventDate, eventID string, when ReminderTime, now time.Time) models.NotificationRequest {
	message := "Tomorrow: " + eventTitle
	priority := models.PriorityMedium
	switch when {
	case ReminderHour:
		message = "In 1 hour: " + eventTitle
		priority = models.PriorityHigh
	case ReminderNow:
		message = "Happening now: " + eventTitle
		priority = models.PriorityUrgent
	default:
		when = ReminderDay
	}

	return models.NotificationRequest{
		UserID:       userID,
		Type:         models.TypeEventReminder,
		EntityType:   models.EntityEvent,
		EntityID:     eventID,
		ContextTitle: eventTitle,
		Title:        "Event Reminder",
		Message:      message,
		Icon:         "📅",
		Priority:     priority,
		Category:     models.CategoryReminder,
		EntityURL:    "/events?eventId=" + eventID,
		Data:         map[string]interface{}{"eventDate": eventDate, "reminderType": string(when)},
		Timestamp:    now,
	}
}

// SystemAnnouncement is a platform-wide message. userID may be empty for
// bulk sends.
func SystemAnnouncement(userID, title, message, url string, now time.Time) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:     userID,
		Type:       models.TypeSystemAnnouncement,
		EntityType: models.EntitySystem,
		Title:      title,
		Message:    message,
		Icon:       "📢",
		Priority:   models.PriorityMedium,
		Category:   models.CategorySystem,
		EntityURL:  url,
		ExpiresAt:  expiresIn(now, 30*day),
		Timestamp:  now,
	}
}

// AdminWarning is a community guidelines warning
func AdminWarning(userID, reason, details string, now time.Time) models.NotificationRequest {
	message := reason
	if details != "" {
		message += ": " + details
	}
	return models.NotificationRequest{
		UserID:     userID,
		Type:       models.TypeAdminWarning,
		EntityType: models.EntitySystem,
		Title:      "Community Guidelines Warning",
		Message:    message,
		Icon:       "⚠️",
		Priority:   models.PriorityUrgent,
		Category:   models.CategoryAdmin,
		Data:       map[string]interface{}{"reason": reason, "details": details},
		Timestamp:  now,
	}
}

// Welcome greets a new or returning user
func Welcome(userID, username, brand string, isNewUser bool, now time.Time) models.NotificationRequest {
	title := "Welcome back!"
	message := fmt.Sprintf("Welcome back, %s! Check out what's new since your last visit.", username)
	url := "/chart"
	if isNewUser {
		title = fmt.Sprintf("Welcome to %s!", brand)
		message = fmt.Sprintf("Welcome to %s, %s! Explore your natal chart, discover optimal timing, and connect with our astrology community.", brand, username)
		url = "/guides"
	}
	return models.NotificationRequest{
		UserID:     userID,
		Type:       models.TypeWelcome,
		EntityType: models.EntitySystem,
		Title:      title,
		Message:    message,
		Icon:       "👋",
		Priority:   models.PriorityMedium,
		Category:   models.CategorySystem,
		EntityURL:  url,
		Data:       map[string]interface{}{"isNewUser": isNewUser, "username": username},
		Timestamp:  now,
	}
}
