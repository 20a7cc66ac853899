package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/feature/profile"
	"betrix_bot/internal/feature/referral"
)

func (d *Dispatcher) handleStart(ctx context.Context, ev Event, arg string) (string, error) {
	if ev.UserID == 0 {
		return d.deps.Catalog.Render("welcome", nil)
	}

	if _, err := d.deps.Flow.EnsureProfile(ctx, ev.UserID, ev.Username); err != nil {
		return "", err
	}

	code := strings.TrimSpace(arg)
	if code == "" {
		return d.deps.Catalog.Render("welcome", nil)
	}

	result, err := d.deps.Ledger.Redeem(ctx, ev.UserID, code)
	if err != nil {
		return "", err
	}
	if !result.Credited {
		return d.deps.Catalog.Render("welcome", nil)
	}
	return d.deps.Catalog.Render("welcome_referred", map[string]any{"Reward": d.opts.SignupReward})
}

func (d *Dispatcher) handleSignin(ctx context.Context, ev Event, _ string) (string, error) {
	outcome, err := d.deps.Flow.Signin(ctx, ev.UserID, ev.Username)
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render(string(outcome.Step), map[string]any{"Profile": outcome.Profile})
}

func (d *Dispatcher) handleProfile(ctx context.Context, ev Event, _ string) (string, error) {
	p, err := d.deps.Flow.Profile(ctx, ev.UserID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return d.deps.Catalog.Render("no_profile", nil)
	}
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("profile_summary", map[string]any{"Profile": p})
}

func (d *Dispatcher) handleCancel(ctx context.Context, ev Event, _ string) (string, error) {
	if err := d.deps.Flow.Cancel(ctx, ev.UserID); err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("cancelled", nil)
}

func (d *Dispatcher) handleShare(ctx context.Context, ev Event, _ string) (string, error) {
	code, err := d.deps.Ledger.GetOrCreateCode(ctx, ev.UserID)
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("share", map[string]any{
		"Code":   code,
		"Link":   referral.ShareLink(d.opts.BotUsername, code),
		"Reward": d.opts.ReferrerReward,
	})
}

func (d *Dispatcher) handleBalance(ctx context.Context, ev Event, _ string) (string, error) {
	balance, err := d.deps.Ledger.Balance(ctx, ev.UserID)
	if err != nil {
		return "", err
	}
	referrals, err := d.deps.Ledger.Referrals(ctx, ev.UserID)
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("balance", map[string]any{
		"Balance":   balance,
		"Referrals": referrals,
	})
}

func (d *Dispatcher) handleLinkSite(ctx context.Context, ev Event, arg string) (string, error) {
	parts := strings.Fields(arg)
	if len(parts) < 2 {
		return d.deps.Catalog.Render("link_site_usage", nil)
	}
	name := strings.Join(parts[:len(parts)-1], " ")
	rawURL := parts[len(parts)-1]

	_, err := d.deps.Flow.LinkSite(ctx, ev.UserID, name, rawURL)
	switch {
	case errors.Is(err, profile.ErrInvalidSite):
		return d.deps.Catalog.Render("link_site_invalid", nil)
	case errors.Is(err, profile.ErrTooManySites):
		return d.deps.Catalog.Render("link_site_limit", nil)
	case err != nil:
		return "", err
	}
	return d.deps.Catalog.Render("site_linked", map[string]any{"Name": profile.Sanitize(name)})
}

func (d *Dispatcher) handleSports(ctx context.Context, ev Event, arg string) (string, error) {
	if strings.TrimSpace(arg) == "" {
		return d.deps.Catalog.Render("sports_usage", nil)
	}

	p, err := d.deps.Flow.SetSports(ctx, ev.UserID, arg)
	if errors.Is(err, profile.ErrNoSports) {
		return d.deps.Catalog.Render("sports_usage", nil)
	}
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("sports_saved", map[string]any{"Sports": p.PreferredSports})
}

func (d *Dispatcher) handleStats(ctx context.Context, ev Event, _ string) (string, error) {
	if d.opts.OwnerID == 0 || ev.UserID != d.opts.OwnerID || d.deps.Stats == nil {
		return d.deps.Catalog.Render("not_allowed", nil)
	}

	profiles, err := d.deps.Stats.CountProfiles(ctx)
	if err != nil {
		return "", err
	}
	referrals, err := d.deps.Stats.CountReferrals(ctx)
	if err != nil {
		return "", err
	}
	return d.deps.Catalog.Render("stats", map[string]any{
		"Profiles":  profiles,
		"Referrals": referrals,
	})
}

// handleBet acknowledges "/bet <stake> <selection>". Bets are not placed yet.
func (d *Dispatcher) handleBet(_ context.Context, _ Event, arg string) (string, error) {
	parts := strings.Fields(arg)
	if len(parts) < 2 {
		return d.deps.Catalog.Render("bet_usage", nil)
	}

	stake, err := strconv.ParseFloat(parts[0], 64)
	selection := profile.Sanitize(strings.Join(parts[1:], " "))
	if err != nil || stake <= 0 || selection == "" {
		return d.deps.Catalog.Render("bet_usage", nil)
	}

	return d.deps.Catalog.Render("bet_received", map[string]any{
		"Stake":     parts[0],
		"Selection": selection,
	})
}
