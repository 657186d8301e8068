package batch

import (
	"fmt"

	"notification-pipeline/pkg/models"
)

const (
	digestTitleLimit    = 40
	immediateTitleLimit = 50
)

type content struct {
	Title   string
	Message string
	Icon    string
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// actorPhrase renders "a", "a and b" or "a, b and N others"
func actorPhrase(actors []string) string {
	switch len(actors) {
	case 0:
		return "Someone"
	case 1:
		return actors[0]
	case 2:
		return fmt.Sprintf("%s and %s", actors[0], actors[1])
	default:
		return fmt.Sprintf("%s, %s and %d others", actors[0], actors[1], len(actors)-2)
	}
}

func digestContent(t models.NotificationType, actors []string, count int, contextTitle string) content {
	short := truncate(contextTitle, digestTitleLimit)

	switch t {
	case models.TypeDiscussionLike:
		return content{
			Title:   actorPhrase(actors) + " liked your discussion",
			Message: fmt.Sprintf(`"%s"`, short),
			Icon:    "👍",
		}
	case models.TypeChartLike:
		return content{
			Title:   actorPhrase(actors) + " liked your chart",
			Message: fmt.Sprintf(`"%s"`, short),
			Icon:    "⭐",
		}
	case models.TypeDiscussionReply:
		if len(actors) == 1 {
			return content{
				Title:   fmt.Sprintf("%d new replies from %s", count, actors[0]),
				Message: fmt.Sprintf(`in "%s"`, short),
				Icon:    "💬",
			}
		}
		return content{
			Title:   fmt.Sprintf("%d new replies", count),
			Message: fmt.Sprintf(`from %d people in "%s"`, len(actors), short),
			Icon:    "💬",
		}
	default:
		return content{
			Title:   fmt.Sprintf("%d new activities", count),
			Message: fmt.Sprintf("from %d people", len(actors)),
			Icon:    "📧",
		}
	}
}

func digestPriority(count int) models.NotificationPriority {
	switch {
	case count >= 10:
		return models.PriorityHigh
	case count >= 5:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func immediateContent(t models.NotificationType, actorName, contextTitle string) content {
	short := truncate(contextTitle, immediateTitleLimit)

	switch t {
	case models.TypeDiscussionMention:
		return content{
			Title:   "You were mentioned",
			Message: fmt.Sprintf(`%s mentioned you in "%s"`, actorName, short),
			Icon:    "@",
		}
	case models.TypeDiscussionReply:
		return content{
			Title:   "New reply to your discussion",
			Message: fmt.Sprintf(`%s replied to "%s"`, actorName, short),
			Icon:    "💬",
		}
	case models.TypeSystemAnnouncement:
		return content{
			Title:   "System Announcement",
			Message: contextTitle,
			Icon:    "📢",
		}
	default:
		return content{
			Title:   "New notification",
			Message: fmt.Sprintf("%s: %s", actorName, short),
			Icon:    "📧",
		}
	}
}

func immediatePriority(t models.NotificationType) models.NotificationPriority {
	switch t {
	case models.TypeDiscussionMention, models.TypeAdminWarning:
		return models.PriorityHigh
	case models.TypeDiscussionReply, models.TypeSystemAnnouncement:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}
