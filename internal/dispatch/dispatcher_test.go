package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/feature/profile"
	"betrix_bot/internal/feature/referral"
	"betrix_bot/internal/store"
)

type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	keys  []string
}

func (f *fakeLimiter) TryAdmit(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.allow
}

type fakeResponder struct {
	reply    string
	err      error
	calls    int
	deadline time.Time
	bounded  bool
}

func (f *fakeResponder) Respond(ctx context.Context, _ int64, _ string) (string, error) {
	f.calls++
	f.deadline, f.bounded = ctx.Deadline()
	return f.reply, f.err
}

type harness struct {
	dispatcher *Dispatcher
	store      *store.MemoryStore
	limiter    *fakeLimiter
	responder  *fakeResponder
	ledger     *referral.Ledger
	profiles   *domain.ProfileRepository
	hook       *logtest.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	hookLogger, hook := logtest.NewNullLogger()
	hookLogger.SetLevel(logrus.DebugLevel)
	logger := logrus.NewEntry(hookLogger)

	mem := store.NewMemoryStore()
	profiles := domain.NewProfileRepository(mem)
	flow := profile.NewFlow(profiles, domain.NewExpectationRepository(mem, 5*time.Minute), logger)
	ledger := referral.NewLedger(mem, referral.Rewards{Signup: 10, Referrer: 50}, nil, logger)
	limiter := &fakeLimiter{allow: true}
	responder := &fakeResponder{reply: "fallback reply"}

	d, err := New(Deps{
		Store:     mem,
		Limiter:   limiter,
		Flow:      flow,
		Ledger:    ledger,
		Stats:     store.NewStatsProvider(mem),
		Responder: responder,
		Logger:    logger,
	}, Options{
		OwnerID:        1,
		BotUsername:    "BetrixBot",
		SignupReward:   10,
		ReferrerReward: 50,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	return &harness{
		dispatcher: d,
		store:      mem,
		limiter:    limiter,
		responder:  responder,
		ledger:     ledger,
		profiles:   profiles,
		hook:       hook,
	}
}

func (h *harness) send(userID int64, text string) Reply {
	return h.dispatcher.Dispatch(context.Background(), Event{
		ConversationID: userID,
		UserID:         userID,
		Text:           text,
	})
}

func TestDispatchIgnoresEmptyText(t *testing.T) {
	h := newHarness(t)

	if reply := h.send(5, "   "); !reply.Empty() {
		t.Fatalf("expected no reply, got %q", reply.Text)
	}
	if len(h.limiter.keys) != 0 {
		t.Fatalf("expected limiter to be skipped for empty text")
	}
}

func TestDispatchStaticCommands(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		text     string
		contains string
	}{
		{"/ping", "pong"},
		{"/PING", "pong"},
		{"  /menu  ", "BETRIX menu"},
		{"/help", "/cancel"},
		{"/fixtures", "Team A vs Team B"},
		{"/menu@BetrixBot", "BETRIX menu"},
		{"/menu@betrixbot extra", "BETRIX menu"},
	}

	for _, tt := range tests {
		reply := h.send(5, tt.text)
		if !strings.Contains(reply.Text, tt.contains) {
			t.Fatalf("Dispatch(%q) = %q, want substring %q", tt.text, reply.Text, tt.contains)
		}
		if reply.ConversationID != 5 {
			t.Fatalf("expected reply to conversation 5, got %d", reply.ConversationID)
		}
	}
	if h.responder.calls != 0 {
		t.Fatalf("expected no fallback calls for known commands")
	}
}

func TestDispatchIgnoresCommandsForOtherBots(t *testing.T) {
	h := newHarness(t)

	if reply := h.send(5, "/menu@SomeOtherBot"); !reply.Empty() {
		t.Fatalf("expected command for another bot to be ignored, got %q", reply.Text)
	}
}

func TestDispatchFallsBackToResponder(t *testing.T) {
	h := newHarness(t)

	reply := h.send(5, "who wins tonight?")
	if reply.Text != "fallback reply" {
		t.Fatalf("expected fallback reply, got %q", reply.Text)
	}

	reply = h.send(5, "/unknown")
	if reply.Text != "fallback reply" || h.responder.calls != 2 {
		t.Fatalf("expected unknown command to reach fallback, got %q", reply.Text)
	}

	h.responder.err = errors.New("provider down")
	reply = h.send(5, "hello")
	if !strings.Contains(reply.Text, "trouble answering") {
		t.Fatalf("expected fallback_unavailable message, got %q", reply.Text)
	}
}

func TestDispatchBoundsFallbackWithTimeout(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	h.send(5, "who wins tonight?")
	if !h.responder.bounded {
		t.Fatalf("expected fallback responder to get a context with a deadline")
	}
	if remaining := h.responder.deadline.Sub(start); remaining <= 0 || remaining > fallbackTimeout+time.Second {
		t.Fatalf("expected deadline within %s, got %s", fallbackTimeout, remaining)
	}

	d, err := New(h.dispatcher.deps, Options{ResponderTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	start = time.Now()
	d.Dispatch(context.Background(), Event{ConversationID: 6, UserID: 6, Text: "odds?"})
	if remaining := h.responder.deadline.Sub(start); remaining <= 0 || remaining > 3*time.Second {
		t.Fatalf("expected configured 2s deadline, got %s", remaining)
	}
}

func TestDispatchBetPlaceholder(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		text     string
		contains string
	}{
		{"/bet", "Usage: /bet"},
		{"/bet 10", "Usage: /bet"},
		{"/bet ten Arsenal", "Usage: /bet"},
		{"/bet -5 Arsenal", "Usage: /bet"},
		{"/bet 10 Arsenal to win", "Received your bet of 10 on Arsenal to win"},
		{"/BET 2.5 <b>Lakers</b>", "on Lakers"},
	}

	for _, tt := range tests {
		reply := h.send(5, tt.text)
		if !strings.Contains(reply.Text, tt.contains) {
			t.Fatalf("Dispatch(%q) = %q, want substring %q", tt.text, reply.Text, tt.contains)
		}
	}
	if h.responder.calls != 0 {
		t.Fatalf("expected /bet not to reach the fallback")
	}
}

func TestDispatchSigninFlow(t *testing.T) {
	h := newHarness(t)

	if reply := h.send(42, "/signin"); !strings.Contains(reply.Text, "date of birth") {
		t.Fatalf("expected dob prompt, got %q", reply.Text)
	}
	if reply := h.send(42, "17-05-2001"); !strings.Contains(reply.Text, "doesn't look like a date") {
		t.Fatalf("expected dob re-prompt, got %q", reply.Text)
	}
	if h.responder.calls != 0 {
		t.Fatalf("expected re-prompt instead of fallback")
	}
	if reply := h.send(42, "2001-05-17"); !strings.Contains(reply.Text, "Which country") {
		t.Fatalf("expected country prompt, got %q", reply.Text)
	}
	if reply := h.send(42, "Kenya"); !strings.Contains(reply.Text, "all set") {
		t.Fatalf("expected completion, got %q", reply.Text)
	}

	reply := h.send(42, "/profile")
	if !strings.Contains(reply.Text, "Date of birth: 2001-05-17") || !strings.Contains(reply.Text, "Country: Kenya") {
		t.Fatalf("expected profile summary, got %q", reply.Text)
	}

	if reply := h.send(42, "/signin"); !strings.Contains(reply.Text, "Country: Kenya") {
		t.Fatalf("expected signin on complete profile to show the summary, got %q", reply.Text)
	}
}

func TestDispatchCommandDuringExpectationFallsBackToCommand(t *testing.T) {
	h := newHarness(t)
	h.send(7, "/signin")

	reply := h.send(7, "/menu")
	if !strings.Contains(reply.Text, "BETRIX menu") {
		t.Fatalf("expected command to run when dob pattern fails, got %q", reply.Text)
	}

	if reply := h.send(7, "/cancel"); !strings.Contains(reply.Text, "cancelled") {
		t.Fatalf("expected cancel confirmation, got %q", reply.Text)
	}
	if reply := h.send(7, "2001-05-17"); reply.Text != "fallback reply" {
		t.Fatalf("expected date after cancel to reach fallback, got %q", reply.Text)
	}
}

func TestDispatchProfileWithoutSignin(t *testing.T) {
	h := newHarness(t)

	if reply := h.send(8, "/profile"); !strings.Contains(reply.Text, "don't have a profile") {
		t.Fatalf("expected no_profile message, got %q", reply.Text)
	}
}

func TestDispatchReferralJourney(t *testing.T) {
	h := newHarness(t)

	share := h.send(7, "/share")
	if !strings.Contains(share.Text, "https://t.me/BetrixBot?start=") {
		t.Fatalf("expected share link, got %q", share.Text)
	}
	code, err := h.ledger.GetOrCreateCode(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetOrCreateCode returned error: %v", err)
	}
	if !strings.Contains(share.Text, code) {
		t.Fatalf("expected share reply to contain code %q, got %q", code, share.Text)
	}

	if reply := h.send(42, "/start "+code); !strings.Contains(reply.Text, "earned 10 coins") {
		t.Fatalf("expected referred welcome, got %q", reply.Text)
	}
	if reply := h.send(42, "/start "+code); strings.Contains(reply.Text, "earned") {
		t.Fatalf("expected duplicate start to be a plain welcome, got %q", reply.Text)
	}

	if reply := h.send(7, "/balance"); !strings.Contains(reply.Text, "Balance: 50 coins") || !strings.Contains(reply.Text, "Friends referred: 1") {
		t.Fatalf("unexpected referrer balance reply %q", reply.Text)
	}
	if reply := h.send(42, "/balance"); !strings.Contains(reply.Text, "Balance: 10 coins") {
		t.Fatalf("unexpected referee balance reply %q", reply.Text)
	}

	if _, err := h.profiles.Get(context.Background(), 42); err != nil {
		t.Fatalf("expected /start to create a profile, got %v", err)
	}
}

func TestDispatchStartWithUnknownCode(t *testing.T) {
	h := newHarness(t)

	reply := h.send(42, "/start nosuchcode")
	if !strings.Contains(reply.Text, "Welcome to BETRIX") || strings.Contains(reply.Text, "earned") {
		t.Fatalf("expected plain welcome, got %q", reply.Text)
	}
}

func TestDispatchLinkSiteAndSports(t *testing.T) {
	h := newHarness(t)

	if reply := h.send(9, "/link_site"); !strings.Contains(reply.Text, "Usage: /link_site") {
		t.Fatalf("expected usage, got %q", reply.Text)
	}
	if reply := h.send(9, "/link_site Bet Site ftp://bad"); !strings.Contains(reply.Text, "isn't valid") {
		t.Fatalf("expected invalid site reply, got %q", reply.Text)
	}
	if reply := h.send(9, "/link_site Bet Site https://bet.example.com"); !strings.Contains(reply.Text, "Linked Bet Site") {
		t.Fatalf("expected linked reply, got %q", reply.Text)
	}
	if reply := h.send(9, "/sports Football, Tennis"); !strings.Contains(reply.Text, "football, tennis") {
		t.Fatalf("expected saved sports, got %q", reply.Text)
	}
	if reply := h.send(9, "/sports"); !strings.Contains(reply.Text, "Usage: /sports") {
		t.Fatalf("expected sports usage, got %q", reply.Text)
	}

	reply := h.send(9, "/profile")
	if !strings.Contains(reply.Text, "Site: Bet Site https://bet.example.com (unverified)") {
		t.Fatalf("expected linked site in profile, got %q", reply.Text)
	}
}

func TestDispatchStatsIsOwnerOnly(t *testing.T) {
	h := newHarness(t)
	h.send(50, "/signin")

	if reply := h.send(2, "/stats"); !strings.Contains(reply.Text, "not available") {
		t.Fatalf("expected non-owner to be refused, got %q", reply.Text)
	}
	if reply := h.send(1, "/stats"); !strings.Contains(reply.Text, "Profiles: 1") {
		t.Fatalf("expected owner stats, got %q", reply.Text)
	}
}

func TestDispatchDropsRateLimitedEvents(t *testing.T) {
	h := newHarness(t)
	h.limiter.allow = false

	if reply := h.send(5, "/ping"); !reply.Empty() {
		t.Fatalf("expected rate-limited event to be dropped, got %q", reply.Text)
	}
	if len(h.limiter.keys) != 1 || h.limiter.keys[0] != "5" {
		t.Fatalf("expected limiter keyed by conversation, got %v", h.limiter.keys)
	}
}

func TestDispatchDropsDuplicateUpdates(t *testing.T) {
	h := newHarness(t)
	ev := Event{UpdateID: 900, ConversationID: 5, UserID: 5, Text: "/ping"}

	if reply := h.dispatcher.Dispatch(context.Background(), ev); reply.Text != "pong" {
		t.Fatalf("expected first delivery to be handled, got %q", reply.Text)
	}
	if reply := h.dispatcher.Dispatch(context.Background(), ev); !reply.Empty() {
		t.Fatalf("expected redelivery to be dropped, got %q", reply.Text)
	}
}

func TestDispatchIgnoresBannedUsers(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.profiles.Create(context.Background(), domain.Profile{UserID: 66, Banned: true}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if reply := h.send(66, "/menu"); !reply.Empty() {
		t.Fatalf("expected banned user to get no reply, got %q", reply.Text)
	}
}

func TestDispatchLogsRequestID(t *testing.T) {
	h := newHarness(t)
	h.send(5, "/ping")

	entry := h.hook.LastEntry()
	if entry == nil || entry.Data["event"] != "dispatch" {
		t.Fatalf("expected dispatch log entry, got %+v", entry)
	}
	if id, _ := entry.Data["request_id"].(string); len(id) != 36 {
		t.Fatalf("expected uuid request id, got %v", entry.Data["request_id"])
	}
	if entry.Data["route"] != "command/ping" {
		t.Fatalf("expected command route, got %v", entry.Data["route"])
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatalf("expected error when collaborators are missing")
	}
}
