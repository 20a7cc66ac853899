package profile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/logging"
)

const maxSports = 20

var (
	// ErrInvalidSite is returned when the site name or URL is unusable.
	ErrInvalidSite = errors.New("invalid site")
	// ErrTooManySites is returned when the profile already links the maximum number of sites.
	ErrTooManySites = errors.New("too many linked sites")
	// ErrNoSports is returned when the sports list is empty after normalization.
	ErrNoSports = errors.New("no sports given")
)

var inputValidator = validator.New()

type siteInput struct {
	Name string `validate:"required,max=64"`
	URL  string `validate:"required,url"`
}

// LinkSite records a betting site on the profile, unverified. Linking an
// existing name again replaces its URL.
func (f *Flow) LinkSite(ctx context.Context, userID int64, name, rawURL string) (domain.Profile, error) {
	if err := f.ready(ctx, userID); err != nil {
		return domain.Profile{}, err
	}

	input := siteInput{Name: Sanitize(name), URL: strings.TrimSpace(rawURL)}
	if err := inputValidator.Struct(input); err != nil {
		return domain.Profile{}, fmt.Errorf("%w: %v", ErrInvalidSite, err)
	}
	parsed, err := url.Parse(input.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.Profile{}, fmt.Errorf("%w: url must be http or https", ErrInvalidSite)
	}

	profile, err := f.loadOrCreate(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}

	site := domain.Site{Name: input.Name, URL: parsed.String()}
	replaced := false
	for i, existing := range profile.PreferredSites {
		if strings.EqualFold(existing.Name, site.Name) {
			profile.PreferredSites[i] = site
			replaced = true
			break
		}
	}
	if !replaced {
		if len(profile.PreferredSites) >= domain.MaxPreferredSites {
			return domain.Profile{}, ErrTooManySites
		}
		profile.PreferredSites = append(profile.PreferredSites, site)
	}

	if err := f.profiles.Save(ctx, profile); err != nil {
		return domain.Profile{}, fmt.Errorf("link site: %w", err)
	}

	f.logger.WithFields(logging.Fields{
		"event":   "site_linked",
		"user_id": userID,
		"site":    site.Name,
	}).Info("linked site")

	return profile, nil
}

// SetSports replaces the preferred sports with a comma-separated list.
// Entries are trimmed, lowercased and deduplicated in order.
func (f *Flow) SetSports(ctx context.Context, userID int64, raw string) (domain.Profile, error) {
	if err := f.ready(ctx, userID); err != nil {
		return domain.Profile{}, err
	}

	seen := make(map[string]struct{})
	sports := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		sport := strings.ToLower(Sanitize(part))
		if sport == "" {
			continue
		}
		if _, dup := seen[sport]; dup {
			continue
		}
		seen[sport] = struct{}{}
		sports = append(sports, sport)
		if len(sports) == maxSports {
			break
		}
	}
	if len(sports) == 0 {
		return domain.Profile{}, ErrNoSports
	}

	profile, err := f.loadOrCreate(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}

	profile.PreferredSports = sports
	if err := f.profiles.Save(ctx, profile); err != nil {
		return domain.Profile{}, fmt.Errorf("set sports: %w", err)
	}

	return profile, nil
}
