package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NgigiN/stablelink/internal/breaker"
	"github.com/NgigiN/stablelink/internal/notify"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/bwmarrin/discordgo"
)

// messenger is the slice of *discordgo.Session the bot uses.
type messenger interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Directory resolves a ledger user to their Discord account.
type Directory interface {
	UserByID(ctx context.Context, id string) (*storage.User, error)
}

// Bot delivers notifications as Discord direct messages, falling back to a
// shared channel for users without a linked account.
type Bot struct {
	session   *discordgo.Session
	messenger messenger
	users     Directory
	breaker   *breaker.Breaker
	channelID string
	startTime time.Time
	logger    *slog.Logger
}

func NewBot(token, channelID string, users Directory, b *breaker.Breaker, logger *slog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages

	bot := newBot(session, users, b, channelID, logger)
	bot.session = session
	return bot, nil
}

func newBot(m messenger, users Directory, b *breaker.Breaker, channelID string, logger *slog.Logger) *Bot {
	return &Bot{
		messenger: m,
		users:     users,
		breaker:   b,
		channelID: channelID,
		startTime: time.Now(),
		logger:    logger,
	}
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.logger.Info("discord connection open", "fallback_channel", b.channelID)
	return nil
}

func (b *Bot) Stop() {
	if err := b.session.Close(); err != nil {
		b.logger.Warn("closing discord session failed", "error", err)
	}
}

// Connected reports whether the gateway session is up.
func (b *Bot) Connected() bool {
	return b.session != nil && b.session.State != nil && b.session.DataReady
}

func (b *Bot) Uptime() time.Duration {
	return time.Since(b.startTime)
}

func (b *Bot) Name() string { return "discord" }

// Send implements notify.Sink.
func (b *Bot) Send(ctx context.Context, ev notify.Event) error {
	channelID, err := b.resolveChannel(ctx, ev.RecipientUserID)
	if err != nil {
		return err
	}
	content := notify.Message(ev)
	return b.breaker.Execute(ctx, func(context.Context) error {
		if _, err := b.messenger.ChannelMessageSend(channelID, content); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	})
}

func (b *Bot) resolveChannel(ctx context.Context, userID string) (string, error) {
	user, err := b.users.UserByID(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if user == nil || user.DiscordUserID == "" {
		if b.channelID == "" {
			return "", fmt.Errorf("user %s has no discord account and no fallback channel is set", userID)
		}
		return b.channelID, nil
	}

	var dm *discordgo.Channel
	err = b.breaker.Execute(ctx, func(context.Context) error {
		var err error
		dm, err = b.messenger.UserChannelCreate(user.DiscordUserID)
		return err
	})
	if err != nil {
		b.logger.Warn("could not open DM channel, using fallback", "user_id", userID, "error", err)
		if b.channelID == "" {
			return "", fmt.Errorf("failed to open DM channel: %w", err)
		}
		return b.channelID, nil
	}
	return dm.ID, nil
}
