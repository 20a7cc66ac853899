// Package responder produces free-text replies for messages no command handles.
package responder

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"betrix_bot/internal/logging"
)

// Responder answers a conversational message.
type Responder interface {
	Respond(ctx context.Context, conversationID int64, text string) (string, error)
}

// Chain asks each responder in turn and returns the first non-empty reply.
type Chain struct {
	responders []Responder
	logger     *logrus.Entry
}

// NewChain constructs a Chain. Nil responders are skipped.
func NewChain(logger *logrus.Entry, responders ...Responder) *Chain {
	if logger == nil {
		logger = logging.Logger()
	}

	kept := make([]Responder, 0, len(responders))
	for _, r := range responders {
		if r != nil {
			kept = append(kept, r)
		}
	}

	return &Chain{responders: kept, logger: logger}
}

// Respond implements Responder.
func (c *Chain) Respond(ctx context.Context, conversationID int64, text string) (string, error) {
	if c == nil || len(c.responders) == 0 {
		return "", errors.New("responder chain is empty")
	}

	var lastErr error
	for _, r := range c.responders {
		reply, err := r.Respond(ctx, conversationID, text)
		if err != nil {
			lastErr = err
			c.logger.WithFields(logging.Fields{
				"event":   "responder_failed",
				"chat_id": conversationID,
				"error":   err,
			}).Warn("responder failed; trying next")
			continue
		}
		if strings.TrimSpace(reply) != "" {
			return reply, nil
		}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.New("no responder produced a reply")
}
