// Package referral mints referral codes and credits each referred signup once.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"betrix_bot/internal/domain"
	"betrix_bot/internal/logging"
	"betrix_bot/internal/store"
)

const (
	suffixLen      = 4
	maxMintRetries = 5
	notifyTimeout  = 10 * time.Second
)

// goAsync runs best-effort background work; tests make it synchronous.
var goAsync = func(fn func()) {
	go fn()
}

// randomSuffix returns suffixLen base-36 characters from crypto/rand.
var randomSuffix = func() (string, error) {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	limit := big.NewInt(int64(len(alphabet)))

	var b strings.Builder
	for i := 0; i < suffixLen; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Notifier tells a referrer that someone joined with their code.
type Notifier interface {
	NotifyReferrer(ctx context.Context, referrerID, refereeID int64, reward int64) error
}

// Rewards are the coin amounts credited per referral.
type Rewards struct {
	Signup   int64
	Referrer int64
}

// Ledger owns referral codes, referred-by markers and coin balances.
type Ledger struct {
	store    store.Store
	rewards  Rewards
	notifier Notifier
	logger   *logrus.Entry
}

// NewLedger constructs a Ledger. notifier may be nil.
func NewLedger(s store.Store, rewards Rewards, notifier Notifier, logger *logrus.Entry) *Ledger {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Ledger{
		store:    s,
		rewards:  rewards,
		notifier: notifier,
		logger:   logger,
	}
}

// GetOrCreateCode returns the user's referral code, minting one on first use.
func (l *Ledger) GetOrCreateCode(ctx context.Context, userID int64) (string, error) {
	if err := l.ready(ctx); err != nil {
		return "", err
	}
	if userID == 0 {
		return "", errors.New("user id is required")
	}

	ownerKey := store.Key(domain.NSReferralOwner, userID)
	existing, err := l.store.Get(ctx, ownerKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup referral code: %w", err)
	}

	owner := strconv.FormatInt(userID, 10)
	for attempt := 0; attempt < maxMintRetries; attempt++ {
		suffix, err := randomSuffix()
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		code := strconv.FormatInt(userID, 36) + suffix
		codeKey := domain.NSReferralCode + ":" + code

		reserved, err := l.store.SetNX(ctx, codeKey, owner, 0)
		if err != nil {
			return "", fmt.Errorf("reserve referral code: %w", err)
		}
		if !reserved {
			continue
		}

		won, err := l.store.SetNX(ctx, ownerKey, code, 0)
		if err != nil {
			return "", fmt.Errorf("assign referral code: %w", err)
		}
		if won {
			l.logger.WithFields(logging.Fields{
				"event":   "referral_code_created",
				"user_id": userID,
			}).Info("minted referral code")
			return code, nil
		}

		// A concurrent call assigned a code first; drop ours and return theirs.
		_ = l.store.Delete(ctx, codeKey)
		winner, err := l.store.Get(ctx, ownerKey)
		if err != nil {
			return "", fmt.Errorf("lookup referral code: %w", err)
		}
		return winner, nil
	}

	return "", errors.New("generate referral code: too many collisions")
}

// Redeem credits the owner of code for referring refereeID. Unknown codes,
// self-referral and already referred users are no-ops with Credited=false.
func (l *Ledger) Redeem(ctx context.Context, refereeID int64, code string) (domain.RedeemResult, error) {
	if err := l.ready(ctx); err != nil {
		return domain.RedeemResult{}, err
	}

	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || refereeID == 0 {
		return domain.RedeemResult{}, nil
	}

	rawOwner, err := l.store.Get(ctx, domain.NSReferralCode+":"+code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RedeemResult{}, nil
		}
		return domain.RedeemResult{}, fmt.Errorf("lookup referral code: %w", err)
	}
	referrerID, err := strconv.ParseInt(rawOwner, 10, 64)
	if err != nil {
		return domain.RedeemResult{}, fmt.Errorf("parse referral owner: %w", err)
	}
	if referrerID == refereeID {
		return domain.RedeemResult{ReferrerID: referrerID}, nil
	}

	first, err := l.store.SetNX(ctx, store.Key(domain.NSReferredBy, refereeID), rawOwner, 0)
	if err != nil {
		return domain.RedeemResult{}, fmt.Errorf("mark referral: %w", err)
	}
	if !first {
		return domain.RedeemResult{ReferrerID: referrerID}, nil
	}

	l.credit(ctx, referrerID, refereeID)
	l.notify(referrerID, refereeID)

	return domain.RedeemResult{Credited: true, ReferrerID: referrerID}, nil
}

// credit applies the rewards. The referred-by marker is already set, so
// failures are logged rather than retried.
func (l *Ledger) credit(ctx context.Context, referrerID, refereeID int64) {
	increments := []struct {
		key   string
		delta int64
	}{
		{store.Key(domain.NSBalance, referrerID), l.rewards.Referrer},
		{store.Key(domain.NSBalance, refereeID), l.rewards.Signup},
		{store.Key(domain.NSReferralCount, referrerID), 1},
		{store.KeyReferralCount, 1},
	}

	for _, inc := range increments {
		if inc.delta <= 0 {
			continue
		}
		if _, err := l.store.IncrBy(ctx, inc.key, inc.delta); err != nil {
			l.logger.WithFields(logging.Fields{
				"event":       "referral_credit_failed",
				"key":         inc.key,
				"referrer_id": referrerID,
				"referee_id":  refereeID,
				"error":       err,
			}).Error("failed to apply referral reward")
		}
	}

	l.logger.WithFields(logging.Fields{
		"event":       "referral_credited",
		"referrer_id": referrerID,
		"referee_id":  refereeID,
	}).Info("credited referral")
}

func (l *Ledger) notify(referrerID, refereeID int64) {
	if l.notifier == nil {
		return
	}

	notifier := l.notifier
	reward := l.rewards.Referrer
	logger := l.logger
	goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := notifier.NotifyReferrer(ctx, referrerID, refereeID, reward); err != nil {
			logger.WithFields(logging.Fields{
				"event":       "referral_notify_failed",
				"referrer_id": referrerID,
				"error":       err,
			}).Warn("failed to notify referrer")
		}
	})
}

// Balance returns the user's coin balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	if err := l.ready(ctx); err != nil {
		return 0, err
	}
	return store.GetInt(ctx, l.store, store.Key(domain.NSBalance, userID))
}

// Referrals returns how many users joined with the user's code.
func (l *Ledger) Referrals(ctx context.Context, userID int64) (int64, error) {
	if err := l.ready(ctx); err != nil {
		return 0, err
	}
	return store.GetInt(ctx, l.store, store.Key(domain.NSReferralCount, userID))
}

// ShareLink builds the Telegram deep link that starts the bot with code.
func ShareLink(botUsername, code string) string {
	return "https://t.me/" + strings.TrimPrefix(botUsername, "@") + "?start=" + code
}

func (l *Ledger) ready(ctx context.Context) error {
	if l == nil || l.store == nil {
		return errors.New("referral ledger is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
