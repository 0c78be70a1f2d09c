package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// LogTransport is a MailTransport that only logs messages.
type LogTransport struct {
	log zerolog.Logger
}

func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log.With().Str("component", "log_transport").Logger()}
}

// Send simulates sending an email by logging the rendered message.
func (l *LogTransport) Send(_ context.Context, identity model.SendingIdentity, recipient model.Recipient, msg Message) (string, error) {
	id := uuid.NewString()
	l.log.Info().
		Str("message_id", id).
		Str("identity", identity.Email).
		Str("to", recipient.Email).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.HTMLBody)).
		Msg("LogTransport.Send")
	return id, nil
}
