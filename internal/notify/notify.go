package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"appforge/internal/models"
	"appforge/internal/telemetry"
)

// Notification kinds.
const (
	KindBuildStarted   = "build_started"
	KindBuildCompleted = "build_completed"
	KindBuildFailed    = "build_failed"
)

// Recorder persists in-app notifications.
type Recorder interface {
	InsertNotification(ctx context.Context, n models.Notification) error
}

// Notifier fans a notification out to the store and, when configured, a Slack webhook.
// Delivery is best-effort: errors are logged, not returned.
type Notifier struct {
	rec        Recorder
	webhookURL string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
	timeout    time.Duration
}

func New(rec Recorder, webhookURL string) *Notifier {
	return &Notifier{
		rec:        rec,
		webhookURL: webhookURL,
		post:       slack.PostWebhookContext,
		timeout:    10 * time.Second,
	}
}

// Notify records the notification for userID and mirrors it to Slack.
func (n *Notifier) Notify(ctx context.Context, userID, kind, title, body string) {
	if n == nil {
		return
	}
	// Callers may be on a cancelled build context; delivery must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if n.rec != nil {
		err := n.rec.InsertNotification(ctx, models.Notification{
			UserID:   userID,
			Kind:     kind,
			Title:    title,
			Body:     body,
			Recorded: time.Now().UTC(),
		})
		telemetry.BestEffort("notify: store", err)
	}
	if n.webhookURL != "" {
		err := n.post(ctx, n.webhookURL, &slack.WebhookMessage{
			Text: fmt.Sprintf("*%s*", title),
			Attachments: []slack.Attachment{{
				Color:  colorFor(kind),
				Text:   body,
				Footer: userID,
			}},
		})
		telemetry.BestEffort("notify: slack", err)
	}
}

func colorFor(kind string) string {
	switch kind {
	case KindBuildCompleted:
		return "good"
	case KindBuildFailed:
		return "danger"
	default:
		return "#439FE0"
	}
}
