// Package telegram connects the dispatcher to the Telegram Bot API over long
// polling or a webhook.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"betrix_bot/internal/config"
	"betrix_bot/internal/dispatch"
	"betrix_bot/internal/logging"
)

const (
	// Telegram allows roughly 30 messages per second per bot.
	sendInterval = 40 * time.Millisecond
	sendBurst    = 5
)

type botAPI interface {
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"edited_message",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Dispatcher turns inbound events into replies.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) dispatch.Reply
	Catalog() *dispatch.Catalog
}

// Client wraps the Telegram bot instance, outbound pacing and logging.
type Client struct {
	bot        botAPI
	dispatcher Dispatcher
	outbox     *Outbox
	limiter    *rate.Limiter
	logger     *logrus.Entry

	webhook       bool
	webhookURL    string
	webhookSecret string
}

// NewClient initializes the Telegram bot. Updates are ignored until
// SetDispatcher is called.
func NewClient(cfg config.Config, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		limiter:       rate.NewLimiter(rate.Every(sendInterval), sendBurst),
		logger:        logger,
		webhook:       cfg.IsWebhook(),
		webhookURL:    cfg.WebhookURL,
		webhookSecret: cfg.WebhookSecret,
	}

	options := []bot.Option{
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.defaultHandler()),
		bot.WithErrorsHandler(errorHandler(logger)),
	}
	if c.webhookSecret != "" {
		options = append(options, bot.WithWebhookSecretToken(c.webhookSecret))
	}

	tgBot, err := createBot(cfg.TelegramToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// SetDispatcher wires the core. The dispatcher depends on the client as a
// notifier, so it is attached after construction.
func (c *Client) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// SetOutbox enables retrying replies that fail to send.
func (c *Client) SetOutbox(o *Outbox) {
	c.outbox = o
}

// Start receives updates until the context is canceled. In webhook mode it
// registers the webhook first; updates then arrive through WebhookHandler.
func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if c.webhook {
		if _, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:            c.webhookURL,
			SecretToken:    c.webhookSecret,
			AllowedUpdates: defaultAllowedUpdates,
		}); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}

		c.logger.WithFields(logging.Fields{
			"event":           "telegram_listen",
			"mode":            config.TransportWebhook,
			"allowed_updates": defaultAllowedUpdates,
		}).Info("telegram webhook registered")

		c.bot.StartWebhook(ctx)
	} else {
		if _, err := c.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
			c.logger.WithField("event", "telegram_webhook_delete_failed").WithError(err).Warn("could not clear webhook before polling")
		}

		c.logger.WithFields(logging.Fields{
			"event":           "telegram_listen",
			"mode":            config.TransportPolling,
			"allowed_updates": defaultAllowedUpdates,
		}).Info("starting telegram long polling")

		c.bot.Start(ctx)
	}

	c.logger.WithField("event", "telegram_stopped").Info("telegram updates stopped")
	return nil
}

// WebhookHandler serves Telegram webhook posts.
func (c *Client) WebhookHandler() http.Handler {
	return c.bot.WebhookHandler()
}

// Send delivers text to a chat, waiting for the outbound rate limiter.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait send slot: %w", err)
	}

	if _, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// NotifyReferrer tells a referrer that their invite was used.
func (c *Client) NotifyReferrer(ctx context.Context, referrerID, refereeID int64, reward int64) error {
	if c.dispatcher == nil {
		return errors.New("telegram dispatcher is not set")
	}

	text, err := c.dispatcher.Catalog().Render("referral_notify", map[string]any{"Reward": reward})
	if err != nil {
		return err
	}

	if err := c.Send(ctx, referrerID, text); err != nil {
		return fmt.Errorf("notify referrer %d about %d: %w", referrerID, refereeID, err)
	}
	return nil
}

type updateMeta struct {
	userID     int64
	chatID     int64
	updateType string
}

func (c *Client) defaultHandler() bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		meta := extractUpdateMeta(update)
		logger := logging.FromContext(c.logger, logging.Context{
			UserID:   meta.userID,
			ChatID:   meta.chatID,
			UpdateID: update.ID,
		})
		logger.WithFields(logging.Fields{
			"event":       "telegram_update",
			"update_type": meta.updateType,
		}).Debug("telegram update received")

		ev, ok := eventFromUpdate(update)
		if !ok {
			return
		}
		if c.dispatcher == nil {
			logger.WithField("event", "telegram_no_dispatcher").Warn("dropping update; dispatcher not set")
			return
		}

		reply := c.dispatcher.Dispatch(ctx, ev)
		if reply.Empty() {
			return
		}
		if err := c.Send(ctx, reply.ConversationID, reply.Text); err != nil {
			logger.WithField("event", "telegram_send_failed").WithError(err).Error("failed to deliver reply")
			c.queue(ctx, reply.ConversationID, reply.Text, err, logger)
		}
	}
}

// queue hands a failed reply to the outbox. It detaches from ctx so a
// canceled update still leaves the reply persisted.
func (c *Client) queue(ctx context.Context, chatID int64, text string, cause error, logger *logrus.Entry) {
	if c.outbox == nil {
		return
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if err := c.outbox.Enqueue(qctx, chatID, text, cause); err != nil {
		logger.WithField("event", "telegram_outbox_enqueue_failed").WithError(err).Error("failed to queue reply")
	}
}

// eventFromUpdate lifts a new text message into a dispatch event. Edits are
// not dispatched.
func eventFromUpdate(update *models.Update) (dispatch.Event, bool) {
	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return dispatch.Event{}, false
	}

	ev := dispatch.Event{
		UpdateID:       update.ID,
		ConversationID: msg.Chat.ID,
		Text:           msg.Text,
		MessageID:      msg.ID,
	}
	if msg.From != nil {
		ev.UserID = msg.From.ID
		ev.Username = msg.From.Username
	}
	return ev, true
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     update.Message.Chat.ID,
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     update.EditedMessage.Chat.ID,
			updateType: "edited_message",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram api error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}
