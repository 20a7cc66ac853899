// Package profile drives the sign-in conversation and profile edits.
package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/logging"
)

var dobPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Step tells the caller which reply a flow operation calls for.
type Step string

const (
	StepNone           Step = ""
	StepAskDOB         Step = "ask_dob"
	StepAskCountry     Step = "ask_country"
	StepInvalidDOB     Step = "invalid_dob"
	StepInvalidCountry Step = "invalid_country"
	StepComplete       Step = "signin_complete"
	StepSummary        Step = "profile_summary"
)

// Outcome is the result of a flow operation.
type Outcome struct {
	Step    Step
	Profile domain.Profile
}

type profileStore interface {
	Create(ctx context.Context, profile domain.Profile) (domain.Profile, bool, error)
	Get(ctx context.Context, userID int64) (domain.Profile, error)
	Save(ctx context.Context, profile domain.Profile) error
}

type expectationStore interface {
	Expect(ctx context.Context, userID int64, kind domain.ExpectationKind) error
	Current(ctx context.Context, userID int64) (domain.ExpectationKind, error)
	Clear(ctx context.Context, userID int64) error
}

// Flow is the sign-in state machine: Idle -> AwaitingDOB -> AwaitingCountry -> Complete.
type Flow struct {
	profiles     profileStore
	expectations expectationStore
	logger       *logrus.Entry
}

// NewFlow constructs a Flow.
func NewFlow(profiles profileStore, expectations expectationStore, logger *logrus.Entry) *Flow {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Flow{
		profiles:     profiles,
		expectations: expectations,
		logger:       logger,
	}
}

// Signin starts or resumes the flow. A complete profile yields its summary
// without mutation.
func (f *Flow) Signin(ctx context.Context, userID int64, username string) (Outcome, error) {
	if err := f.ready(ctx, userID); err != nil {
		return Outcome{}, err
	}

	profile, created, err := f.profiles.Create(ctx, domain.Profile{
		UserID:   userID,
		Username: Sanitize(username),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("signin: %w", err)
	}
	if created {
		f.logger.WithFields(logging.Fields{
			"event":   "profile_created",
			"user_id": userID,
		}).Info("created profile stub")
	}

	switch {
	case profile.Complete():
		return Outcome{Step: StepSummary, Profile: profile}, nil
	case profile.DateOfBirth == "":
		if err := f.expectations.Expect(ctx, userID, domain.ExpectDOB); err != nil {
			return Outcome{}, fmt.Errorf("signin: %w", err)
		}
		return Outcome{Step: StepAskDOB, Profile: profile}, nil
	default:
		if err := f.expectations.Expect(ctx, userID, domain.ExpectCountry); err != nil {
			return Outcome{}, fmt.Errorf("signin: %w", err)
		}
		return Outcome{Step: StepAskCountry, Profile: profile}, nil
	}
}

// HandleExpected interprets text against the user's active expectation.
// handled is false when there is no expectation or the text failed its
// pattern; in the latter case Outcome carries the re-prompt step.
func (f *Flow) HandleExpected(ctx context.Context, userID int64, text string) (Outcome, bool, error) {
	if err := f.ready(ctx, userID); err != nil {
		return Outcome{}, false, err
	}

	kind, err := f.expectations.Current(ctx, userID)
	if err != nil {
		// Unknown state degrades to Idle.
		f.logger.WithFields(logging.Fields{
			"event":   "expectation_read_failed",
			"user_id": userID,
			"error":   err,
		}).Warn("treating conversation state as idle")
		return Outcome{}, false, nil
	}

	text = strings.TrimSpace(text)
	switch kind {
	case domain.ExpectDOB:
		if !dobPattern.MatchString(text) {
			return Outcome{Step: StepInvalidDOB}, false, nil
		}
		return f.captureDOB(ctx, userID, text)
	case domain.ExpectCountry:
		country := ""
		if !strings.HasPrefix(text, "/") {
			country = Sanitize(text)
		}
		if country == "" {
			return Outcome{Step: StepInvalidCountry}, false, nil
		}
		return f.captureCountry(ctx, userID, country)
	default:
		return Outcome{}, false, nil
	}
}

func (f *Flow) captureDOB(ctx context.Context, userID int64, dob string) (Outcome, bool, error) {
	profile, err := f.loadOrCreate(ctx, userID)
	if err != nil {
		return Outcome{}, false, err
	}

	profile.DateOfBirth = dob
	if err := f.profiles.Save(ctx, profile); err != nil {
		return Outcome{}, false, fmt.Errorf("store date of birth: %w", err)
	}
	if err := f.expectations.Expect(ctx, userID, domain.ExpectCountry); err != nil {
		return Outcome{}, false, fmt.Errorf("expect country: %w", err)
	}

	return Outcome{Step: StepAskCountry, Profile: profile}, true, nil
}

func (f *Flow) captureCountry(ctx context.Context, userID int64, country string) (Outcome, bool, error) {
	profile, err := f.loadOrCreate(ctx, userID)
	if err != nil {
		return Outcome{}, false, err
	}
	if profile.DateOfBirth == "" {
		// Country is only accepted after a date of birth.
		if err := f.expectations.Expect(ctx, userID, domain.ExpectDOB); err != nil {
			return Outcome{}, false, fmt.Errorf("expect date of birth: %w", err)
		}
		return Outcome{Step: StepAskDOB, Profile: profile}, true, nil
	}

	profile.Country = country
	if err := f.profiles.Save(ctx, profile); err != nil {
		return Outcome{}, false, fmt.Errorf("store country: %w", err)
	}
	if err := f.expectations.Clear(ctx, userID); err != nil {
		return Outcome{}, false, fmt.Errorf("clear expectation: %w", err)
	}

	f.logger.WithFields(logging.Fields{
		"event":   "signin_completed",
		"user_id": userID,
	}).Info("profile completed")

	return Outcome{Step: StepComplete, Profile: profile}, true, nil
}

// State derives the user's position in the flow. Store errors read as Idle.
func (f *Flow) State(ctx context.Context, userID int64) domain.State {
	if f.ready(ctx, userID) != nil {
		return domain.StateIdle
	}

	kind, err := f.expectations.Current(ctx, userID)
	if err != nil {
		return domain.StateIdle
	}
	switch kind {
	case domain.ExpectDOB:
		return domain.StateAwaitingDOB
	case domain.ExpectCountry:
		return domain.StateAwaitingCountry
	}

	profile, err := f.profiles.Get(ctx, userID)
	if err != nil {
		return domain.StateIdle
	}
	if profile.Complete() {
		return domain.StateComplete
	}
	return domain.StateIdle
}

// Cancel drops any pending expectation.
func (f *Flow) Cancel(ctx context.Context, userID int64) error {
	if err := f.ready(ctx, userID); err != nil {
		return err
	}
	return f.expectations.Clear(ctx, userID)
}

// Profile returns the stored profile or domain.ErrProfileNotFound.
func (f *Flow) Profile(ctx context.Context, userID int64) (domain.Profile, error) {
	if err := f.ready(ctx, userID); err != nil {
		return domain.Profile{}, err
	}
	return f.profiles.Get(ctx, userID)
}

// Banned reports whether the user is banned. Lookup failures read as not banned.
func (f *Flow) Banned(ctx context.Context, userID int64) bool {
	if f.ready(ctx, userID) != nil {
		return false
	}
	profile, err := f.profiles.Get(ctx, userID)
	if err != nil {
		return false
	}
	return profile.Banned
}

// EnsureProfile creates a profile stub if the user has none.
func (f *Flow) EnsureProfile(ctx context.Context, userID int64, username string) (domain.Profile, error) {
	if err := f.ready(ctx, userID); err != nil {
		return domain.Profile{}, err
	}
	profile, _, err := f.profiles.Create(ctx, domain.Profile{UserID: userID, Username: Sanitize(username)})
	return profile, err
}

func (f *Flow) loadOrCreate(ctx context.Context, userID int64) (domain.Profile, error) {
	profile, err := f.profiles.Get(ctx, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, domain.ErrProfileNotFound) {
		return domain.Profile{}, fmt.Errorf("load profile: %w", err)
	}

	profile, _, err = f.profiles.Create(ctx, domain.Profile{UserID: userID})
	if err != nil {
		return domain.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return profile, nil
}

func (f *Flow) ready(ctx context.Context, userID int64) error {
	if f == nil || f.profiles == nil || f.expectations == nil {
		return errors.New("profile flow is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if userID == 0 {
		return errors.New("user id is required")
	}
	return nil
}
