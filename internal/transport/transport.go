// Package transport delivers rendered messages on behalf of sending identities.
package transport

import (
	"context"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// Message is a rendered, personalized email ready for delivery.
type Message struct {
	FromName string
	From     string
	ReplyTo  string
	ToName   string
	To       string
	Subject  string
	HTMLBody string
	Headers  map[string]string
}

// MailTransport sends one message as identity. Errors should be
// *appErrors.SendError so the dispatcher can tell retryable failures from
// terminal ones.
type MailTransport interface {
	Send(ctx context.Context, identity model.SendingIdentity, recipient model.Recipient, msg Message) (string, error)
}
