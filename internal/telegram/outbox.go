package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"

	"betrix_bot/internal/logging"
	"betrix_bot/internal/store"
)

const (
	outboxSeqKey     = "outbox:seq"
	outboxHeadKey    = "outbox:head"
	outboxMsgPrefix  = "outbox:msg:"
	outboxLockPrefix = "outbox:lock:"

	maxDeliveryAttempts = 5
	outboxEntryTTL      = 24 * time.Hour
	outboxLockTTL       = 30 * time.Second
	retryBaseDelay      = 5 * time.Second
	maxFlushBatch       = 200
	defaultFlushEvery   = 10 * time.Second
	flushTimeout        = 30 * time.Second
	enqueueTimeout      = 3 * time.Second
)

type sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// pendingSend is a reply that failed to go out. NextAt is unix milliseconds.
type pendingSend struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	Attempts  int    `json:"attempts"`
	NextAt    int64  `json:"next_at"`
	LastError string `json:"last_error,omitempty"`
}

// Outbox keeps failed sends in the store and re-delivers them from a
// scheduled job. Entries are numbered from outbox:seq; outbox:head marks
// everything at or below it as settled.
type Outbox struct {
	store  store.Store
	sender sender
	logger *logrus.Entry
	now    func() time.Time
	sched  gocron.Scheduler
}

// NewOutbox constructs an Outbox delivering through s.
func NewOutbox(kv store.Store, s sender, logger *logrus.Entry) *Outbox {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Outbox{
		store:  kv,
		sender: s,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue records a failed send for retry. Errors Telegram will repeat for
// every attempt (blocked bot, bad request) go straight to the dead letter log.
func (o *Outbox) Enqueue(ctx context.Context, chatID int64, text string, cause error) error {
	if o == nil || o.store == nil {
		return errors.New("outbox is not initialized")
	}
	if permanent(cause) {
		o.deadLetter(chatID, 1, cause)
		return nil
	}

	id, err := o.store.IncrBy(ctx, outboxSeqKey, 1)
	if err != nil {
		return fmt.Errorf("allocate outbox id: %w", err)
	}

	entry := pendingSend{
		ChatID:    chatID,
		Text:      text,
		Attempts:  1,
		NextAt:    o.now().Add(retryDelay(1)).UnixMilli(),
		LastError: errString(cause),
	}
	if err := o.save(ctx, id, entry); err != nil {
		return err
	}

	o.logger.WithFields(logging.Fields{
		"event":     "telegram_send_queued",
		"chat_id":   chatID,
		"outbox_id": id,
	}).Warn("queued failed reply for retry")
	return nil
}

// Flush retries due entries and returns how many were delivered.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	if o == nil || o.store == nil || o.sender == nil {
		return 0, errors.New("outbox is not initialized")
	}

	headRaw, err := o.store.Get(ctx, outboxHeadKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("read outbox head: %w", err)
	}
	head, _ := strconv.ParseInt(headRaw, 10, 64)

	tail, err := store.GetInt(ctx, o.store, outboxSeqKey)
	if err != nil {
		return 0, fmt.Errorf("read outbox tail: %w", err)
	}
	if tail > head+maxFlushBatch {
		tail = head + maxFlushBatch
	}

	delivered := 0
	settledTo := head
	contiguous := true
	for id := head + 1; id <= tail; id++ {
		settled, ok, err := o.retry(ctx, id)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
		if settled && contiguous {
			settledTo = id
		} else {
			contiguous = false
		}
	}

	if settledTo > head {
		// Another instance may advance head concurrently; losing the swap is fine.
		if _, err := o.store.CompareAndSwap(ctx, outboxHeadKey, headRaw, strconv.FormatInt(settledTo, 10), 0); err != nil {
			return delivered, fmt.Errorf("advance outbox head: %w", err)
		}
	}
	return delivered, nil
}

// retry handles one entry. settled reports that nothing is left to do for id.
func (o *Outbox) retry(ctx context.Context, id int64) (settled, delivered bool, err error) {
	key := outboxMsgPrefix + strconv.FormatInt(id, 10)
	raw, err := o.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return true, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read outbox entry %d: %w", id, err)
	}

	var entry pendingSend
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		o.logger.WithFields(logging.Fields{
			"event":     "telegram_outbox_corrupt",
			"outbox_id": id,
			"error":     err,
		}).Error("dropping unreadable outbox entry")
		return true, false, o.store.Delete(ctx, key)
	}
	if o.now().UnixMilli() < entry.NextAt {
		return false, false, nil
	}

	lockKey := outboxLockPrefix + strconv.FormatInt(id, 10)
	claimed, err := o.store.SetNX(ctx, lockKey, "1", outboxLockTTL)
	if err != nil {
		return false, false, fmt.Errorf("claim outbox entry %d: %w", id, err)
	}
	if !claimed {
		return false, false, nil
	}
	defer func() {
		_ = o.store.Delete(ctx, lockKey)
	}()

	sendErr := o.sender.Send(ctx, entry.ChatID, entry.Text)
	if sendErr == nil {
		o.logger.WithFields(logging.Fields{
			"event":     "telegram_send_retried",
			"chat_id":   entry.ChatID,
			"outbox_id": id,
			"attempts":  entry.Attempts + 1,
		}).Info("delivered queued reply")
		return true, true, o.store.Delete(ctx, key)
	}

	entry.Attempts++
	entry.LastError = errString(sendErr)
	if entry.Attempts >= maxDeliveryAttempts || permanent(sendErr) {
		o.deadLetter(entry.ChatID, entry.Attempts, sendErr)
		return true, false, o.store.Delete(ctx, key)
	}

	entry.NextAt = o.now().Add(retryDelay(entry.Attempts)).UnixMilli()
	return false, false, o.save(ctx, id, entry)
}

// Start runs Flush on a schedule until Stop.
func (o *Outbox) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = defaultFlushEvery
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create outbox scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()

			if _, err := o.Flush(ctx); err != nil {
				o.logger.WithField("event", "telegram_outbox_flush_failed").WithError(err).Warn("outbox flush failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule outbox flush: %w", err)
	}

	sched.Start()
	o.sched = sched
	return nil
}

// Stop shuts the scheduler down.
func (o *Outbox) Stop() error {
	if o == nil || o.sched == nil {
		return nil
	}
	return o.sched.Shutdown()
}

func (o *Outbox) save(ctx context.Context, id int64, entry pendingSend) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err)
	}
	if err := o.store.Set(ctx, outboxMsgPrefix+strconv.FormatInt(id, 10), string(raw), outboxEntryTTL); err != nil {
		return fmt.Errorf("save outbox entry %d: %w", id, err)
	}
	return nil
}

func (o *Outbox) deadLetter(chatID int64, attempts int, cause error) {
	o.logger.WithFields(logging.Fields{
		"event":    "telegram_dead_letter",
		"chat_id":  chatID,
		"attempts": attempts,
		"error":    cause,
	}).Error("giving up on reply")
}

// retryDelay doubles from retryBaseDelay per attempt.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return retryBaseDelay << (attempt - 1)
}

func permanent(err error) bool {
	return errors.Is(err, bot.ErrorForbidden) ||
		errors.Is(err, bot.ErrorBadRequest) ||
		errors.Is(err, bot.ErrorUnauthorized)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
