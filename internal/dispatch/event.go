// Package dispatch routes inbound chat messages to the sign-in flow, the
// referral ledger, static replies or the conversational fallback.
package dispatch

// Event is one inbound text message, already lifted out of the transport's
// wire format.
type Event struct {
	UpdateID       int64
	ConversationID int64
	UserID         int64
	Username       string
	Text           string
	MessageID      int
}

// Reply is the text to send back. An empty Text means nothing is sent.
type Reply struct {
	ConversationID int64
	Text           string
}

// Empty reports whether there is nothing to deliver.
func (r Reply) Empty() bool {
	return r.Text == ""
}
