package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/buildbay/internal/models"
)

// discordMaxRetries is the max number of retries for rate-limited API calls.
const discordMaxRetries = 3

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordAdapter posts notifications to a Discord channel as embeds.
type DiscordAdapter struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a DiscordAdapter.
type DiscordOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // channel to post to
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscordAdapter creates a DiscordAdapter.
func NewDiscordAdapter(opts DiscordOpts) (*DiscordAdapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("notify: discord bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}
	a := &DiscordAdapter{channelID: opts.ChannelID}
	if opts.Session != nil {
		a.sess = opts.Session
	} else {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		a.sess = dg
	}
	return a, nil
}

func (a *DiscordAdapter) Name() string { return "discord" }

// Send posts the notification embed, retrying on Discord rate limits.
func (a *DiscordAdapter) Send(ctx context.Context, n models.Notification) error {
	embed := &discordgo.MessageEmbed{
		Title:       eventTitle(n.Type),
		Description: n.Message,
		Color:       parseHexColor(eventColor(n.Type)),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Job", Value: n.JobID, Inline: true},
			{Name: "Owner", Value: n.OwnerID, Inline: true},
		},
	}

	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendEmbed(a.channelID, embed)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *DiscordAdapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= discordMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == discordMaxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * time.Second

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
