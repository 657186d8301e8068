package ratelimit

import (
	"time"

	"notification-pipeline/pkg/models"
)

// GlobalRule is the rule key applied to every notification a user receives
const GlobalRule = "user_total"

// Rule bounds how many notifications fit in a window
type Rule struct {
	MaxNotifications int           `json:"maxNotifications" yaml:"max_notifications"`
	Window           time.Duration `json:"window" yaml:"window"`
	// BurstLimit caps notifications inside BurstWindow. Zero disables it.
	BurstLimit  int           `json:"burstLimit,omitempty" yaml:"burst_limit"`
	BurstWindow time.Duration `json:"burstWindow,omitempty" yaml:"burst_window"`
	// Cooldown applied after repeated violations. Zero uses the limiter default.
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
}

const defaultBurstWindow = 5 * time.Minute

func rule(max int, burst int) Rule {
	return Rule{MaxNotifications: max, Window: time.Hour, BurstLimit: burst, BurstWindow: defaultBurstWindow}
}

// DefaultRules returns the built-in rule table
func DefaultRules() map[string]Rule {
	total := rule(50, 10)
	total.Cooldown = 30 * time.Minute

	return map[string]Rule{
		GlobalRule:                            total,
		string(models.TypeDiscussionLike):     rule(20, 5),
		string(models.TypeDiscussionReply):    rule(15, 3),
		string(models.TypeDiscussionMention):  rule(10, 3),
		string(models.TypeCommentLike):        rule(30, 8),
		string(models.TypeCommentReply):       rule(20, 5),
		string(models.TypeFollow):             rule(10, 3),
		string(models.TypeSystemAnnouncement): rule(5, 2),
	}
}
