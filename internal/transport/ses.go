package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// SESClient is the part of the SES API used for delivery.
type SESClient interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// NewSESSessionFactory builds clients from the AWS default config chain,
// using the identity group's credential profile when one is set.
func NewSESSessionFactory(maxBackoffDelay time.Duration, maxAttempts int) SessionFactory {
	return func(ctx context.Context, identity model.SendingIdentity) (SESClient, error) {
		retryerWithBackoff := retry.AddWithMaxBackoffDelay(retry.NewStandard(), maxBackoffDelay)
		opts := []func(*config.LoadOptions) error{
			config.WithRetryer(func() aws.Retryer {
				return retry.AddWithMaxAttempts(retryerWithBackoff, maxAttempts)
			}),
		}
		if identity.CredentialProfile != "" {
			opts = append(opts, config.WithSharedConfigProfile(identity.CredentialProfile))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config for %s: %w", identity.Email, err)
		}
		return ses.NewFromConfig(cfg), nil
	}
}

// SESTransport sends raw MIME messages through SES as the identity.
type SESTransport struct {
	pool *SessionPool
	log  zerolog.Logger
}

func NewSESTransport(pool *SessionPool, log zerolog.Logger) *SESTransport {
	return &SESTransport{pool: pool, log: log.With().Str("component", "ses_transport").Logger()}
}

func (s *SESTransport) Send(ctx context.Context, identity model.SendingIdentity, recipient model.Recipient, msg Message) (string, error) {
	client, err := s.pool.Get(ctx, identity)
	if err != nil {
		return "", appErrors.NewTerminalIdentity("SessionUnavailable", err)
	}
	raw, err := BuildMIME(msg)
	if err != nil {
		return "", appErrors.NewTerminalRecipient("MalformedMessage", err)
	}

	out, err := client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(identity.Email),
		Destinations: []string{recipient.Email},
		RawMessage:   &types.RawMessage{Data: raw},
	})
	if err != nil {
		classified := classifyAWSError(err)
		if classified.IdentityLevel() {
			s.pool.Evict(identity)
		}
		s.log.Error().Err(err).
			Str("identity", identity.Email).
			Str("recipient", recipient.Email).
			Msg("failed sending raw email")
		return "", classified
	}
	return aws.ToString(out.MessageId), nil
}
