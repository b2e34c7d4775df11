package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/buildbay/internal/models"
)

// slackMaxRetries is the max number of retries for rate-limited API calls.
const slackMaxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackAdapter posts notifications to a Slack channel as colored attachments.
type SlackAdapter struct {
	client    slackClient
	channelID string
}

// SlackOpts holds parameters for creating a SlackAdapter.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // channel to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlackAdapter creates a SlackAdapter.
func NewSlackAdapter(opts SlackOpts) (*SlackAdapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	a := &SlackAdapter{channelID: opts.ChannelID}
	if opts.Client != nil {
		a.client = opts.Client
	} else {
		a.client = slackapi.New(opts.BotToken)
	}
	return a, nil
}

func (a *SlackAdapter) Name() string { return "slack" }

// Send posts the notification, retrying on Slack rate limits.
func (a *SlackAdapter) Send(ctx context.Context, n models.Notification) error {
	att := slackapi.Attachment{
		Title:    eventTitle(n.Type),
		Text:     n.Message,
		Color:    eventColor(n.Type),
		Fallback: n.Message,
		Fields: []slackapi.AttachmentField{
			{Title: "Job", Value: n.JobID, Short: true},
			{Title: "Owner", Value: n.OwnerID, Short: true},
		},
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(a.channelID, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}

// eventTitle maps a notification type to a human headline.
func eventTitle(eventType string) string {
	switch eventType {
	case models.NotifyQueued:
		return "Build queued"
	case models.NotifyStarted:
		return "Build started"
	case models.NotifyCompleted:
		return "Build completed"
	case models.NotifyFailed:
		return "Build failed"
	case models.NotifyCancelled:
		return "Build cancelled"
	}
	return eventType
}

// eventColor maps a notification type to an attachment color.
func eventColor(eventType string) string {
	switch eventType {
	case models.NotifyCompleted:
		return "#36a64f"
	case models.NotifyFailed:
		return "#d00000"
	case models.NotifyCancelled:
		return "#999999"
	}
	return "#439fe0"
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= slackMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == slackMaxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
