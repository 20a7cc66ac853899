package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/feature/profile"
	"betrix_bot/internal/logging"
	"betrix_bot/internal/store"
)

const (
	tracerName      = "betrix_bot/internal/dispatch"
	dedupeTTL       = 24 * time.Hour
	dedupePrefix    = "dedupe:update:"
	defaultTimeout  = 3 * time.Second
	fallbackTimeout = 20 * time.Second
)

// Limiter admits or rejects events per conversation.
type Limiter interface {
	TryAdmit(ctx context.Context, key string) bool
}

// ProfileFlow is the sign-in state machine and profile editor.
type ProfileFlow interface {
	Signin(ctx context.Context, userID int64, username string) (profile.Outcome, error)
	HandleExpected(ctx context.Context, userID int64, text string) (profile.Outcome, bool, error)
	Cancel(ctx context.Context, userID int64) error
	Profile(ctx context.Context, userID int64) (domain.Profile, error)
	EnsureProfile(ctx context.Context, userID int64, username string) (domain.Profile, error)
	Banned(ctx context.Context, userID int64) bool
	LinkSite(ctx context.Context, userID int64, name, rawURL string) (domain.Profile, error)
	SetSports(ctx context.Context, userID int64, raw string) (domain.Profile, error)
}

// ReferralLedger mints codes and credits referrals.
type ReferralLedger interface {
	GetOrCreateCode(ctx context.Context, userID int64) (string, error)
	Redeem(ctx context.Context, refereeID int64, code string) (domain.RedeemResult, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Referrals(ctx context.Context, userID int64) (int64, error)
}

// StatsReader exposes the owner-only counters.
type StatsReader interface {
	CountProfiles(ctx context.Context) (int64, error)
	CountReferrals(ctx context.Context) (int64, error)
}

// Responder answers messages no command handles.
type Responder interface {
	Respond(ctx context.Context, conversationID int64, text string) (string, error)
}

// Deps are the collaborators a Dispatcher routes to.
type Deps struct {
	Store     store.Store
	Limiter   Limiter
	Flow      ProfileFlow
	Ledger    ReferralLedger
	Stats     StatsReader
	Responder Responder
	Catalog   *Catalog
	Logger    *logrus.Entry
}

// Options carry the settings the dispatcher itself needs.
type Options struct {
	OwnerID        int64
	BotUsername    string
	SignupReward   int64
	ReferrerReward int64
	StoreTimeout   time.Duration
	// ResponderTimeout bounds one fallback reply.
	ResponderTimeout time.Duration
}

type commandFunc func(ctx context.Context, ev Event, arg string) (string, error)

// Dispatcher maps one inbound event to at most one reply. It holds no
// per-conversation state of its own.
type Dispatcher struct {
	deps     Deps
	opts     Options
	commands map[string]commandFunc
	tracer   trace.Tracer
}

// New constructs a Dispatcher.
func New(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Flow == nil || deps.Ledger == nil || deps.Responder == nil {
		return nil, errors.New("dispatcher requires flow, ledger and responder")
	}
	if deps.Catalog == nil {
		catalog, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		deps.Catalog = catalog
	}
	if deps.Logger == nil {
		deps.Logger = logging.Logger()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultTimeout
	}
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = fallbackTimeout
	}

	d := &Dispatcher{
		deps:   deps,
		opts:   opts,
		tracer: otel.Tracer(tracerName),
	}
	d.commands = map[string]commandFunc{
		"/start":     d.handleStart,
		"/menu":      d.static("menu"),
		"/help":      d.static("help"),
		"/ping":      d.static("pong"),
		"/signin":    d.handleSignin,
		"/profile":   d.handleProfile,
		"/cancel":    d.handleCancel,
		"/share":     d.handleShare,
		"/balance":   d.handleBalance,
		"/link_site": d.handleLinkSite,
		"/sports":    d.handleSports,
		"/fixtures":  d.static("fixtures"),
		"/bet":       d.handleBet,
		"/stats":     d.handleStats,
	}

	return d, nil
}

// Catalog returns the message catalog in use.
func (d *Dispatcher) Catalog() *Catalog {
	return d.deps.Catalog
}

// Dispatch handles one event. It never fails: every error path degrades to
// a generic reply or to no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) Reply {
	if ctx == nil {
		ctx = context.Background()
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" || ev.ConversationID == 0 {
		return Reply{}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.Int64("chat.id", ev.ConversationID),
		attribute.Int64("user.id", ev.UserID),
		attribute.Int64("update.id", ev.UpdateID),
	))
	defer span.End()

	logger := logging.FromContext(d.deps.Logger, logging.Context{
		UserID:   ev.UserID,
		ChatID:   ev.ConversationID,
		UpdateID: ev.UpdateID,
	}).WithField("request_id", uuid.NewString())

	route, reply := d.route(ctx, ev, text, logger)
	span.SetAttributes(attribute.String("dispatch.route", route))
	if route == "error" {
		span.SetStatus(codes.Error, "dispatch failed")
	}

	logger.WithFields(logging.Fields{
		"event": "dispatch",
		"route": route,
	}).Debug("dispatched message")

	return Reply{ConversationID: ev.ConversationID, Text: reply}
}

func (d *Dispatcher) route(ctx context.Context, ev Event, text string, logger *logrus.Entry) (string, string) {
	storeCtx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()

	if d.duplicate(storeCtx, ev, logger) {
		return "duplicate", ""
	}
	if d.deps.Limiter != nil && !d.deps.Limiter.TryAdmit(storeCtx, strconv.FormatInt(ev.ConversationID, 10)) {
		return "rate_limited", ""
	}
	if ev.UserID != 0 && d.deps.Flow.Banned(storeCtx, ev.UserID) {
		return "banned", ""
	}

	reprompt := ""
	if ev.UserID != 0 {
		outcome, handled, err := d.deps.Flow.HandleExpected(storeCtx, ev.UserID, text)
		if err != nil {
			return d.fail(logger, "expectation", err)
		}
		if handled {
			return "expectation", d.render(logger, string(outcome.Step), map[string]any{"Profile": outcome.Profile})
		}
		if outcome.Step != profile.StepNone {
			reprompt = string(outcome.Step)
		}
	}

	if name, arg, ok := parseCommand(text, d.opts.BotUsername); ok {
		if cmd, known := d.commands[name]; known {
			reply, err := cmd(storeCtx, ev, arg)
			if err != nil {
				return d.fail(logger, name, err)
			}
			return "command" + name, reply
		}
	} else if strings.HasPrefix(text, "/") && strings.Contains(text, "@") {
		// Addressed to another bot.
		return "ignored", ""
	}

	if reprompt != "" {
		return "reprompt", d.render(logger, reprompt, nil)
	}

	fallbackCtx, cancelFallback := context.WithTimeout(ctx, d.opts.ResponderTimeout)
	defer cancelFallback()

	reply, err := d.deps.Responder.Respond(fallbackCtx, ev.ConversationID, text)
	if err != nil || strings.TrimSpace(reply) == "" {
		logger.WithFields(logging.Fields{
			"event": "fallback_failed",
			"error": err,
		}).Warn("fallback responder produced no reply")
		return "fallback", d.render(logger, "fallback_unavailable", nil)
	}
	return "fallback", reply
}

// duplicate reports whether this update id was already seen. Store errors
// let the event through.
func (d *Dispatcher) duplicate(ctx context.Context, ev Event, logger *logrus.Entry) bool {
	if d.deps.Store == nil || ev.UpdateID == 0 {
		return false
	}

	first, err := d.deps.Store.SetNX(ctx, dedupePrefix+strconv.FormatInt(ev.UpdateID, 10), "1", dedupeTTL)
	if err != nil {
		logger.WithFields(logging.Fields{
			"event": "dedupe_failed",
			"error": err,
		}).Warn("update dedupe unavailable")
		return false
	}
	return !first
}

func (d *Dispatcher) fail(logger *logrus.Entry, route string, err error) (string, string) {
	logger.WithFields(logging.Fields{
		"event": "dispatch_failed",
		"route": route,
		"error": err,
	}).Error("failed to handle message")
	return "error", d.render(logger, "error", nil)
}

func (d *Dispatcher) render(logger *logrus.Entry, key string, data any) string {
	text, err := d.deps.Catalog.Render(key, data)
	if err != nil {
		logger.WithFields(logging.Fields{
			"event": "render_failed",
			"key":   key,
			"error": err,
		}).Error("failed to render message")
		return ""
	}
	return text
}

func (d *Dispatcher) static(key string) commandFunc {
	return func(context.Context, Event, string) (string, error) {
		return d.deps.Catalog.Render(key, nil)
	}
}
