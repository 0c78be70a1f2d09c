package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
)

type statusErr struct{ status int }

func (e statusErr) Error() string       { return fmt.Sprintf("http %d", e.status) }
func (e statusErr) HTTPStatusCode() int { return e.status }

func TestClassifyAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind appErrors.SendErrorKind
	}{
		{"throttling", &smithy.GenericAPIError{Code: "Throttling"}, appErrors.SendRetryable},
		{"service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable"}, appErrors.SendRetryable},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, appErrors.SendTerminalIdentity},
		{"sending paused", &smithy.GenericAPIError{Code: "AccountSendingPausedException"}, appErrors.SendTerminalIdentity},
		{"rejected", &smithy.GenericAPIError{Code: "MessageRejected"}, appErrors.SendTerminalRecipient},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), appErrors.SendRetryable},
		{"http 429", statusErr{429}, appErrors.SendRetryable},
		{"http 503", statusErr{503}, appErrors.SendRetryable},
		{"http 403", statusErr{403}, appErrors.SendTerminalIdentity},
		{"http 400", statusErr{400}, appErrors.SendTerminalRecipient},
		{"plain", errors.New("boom"), appErrors.SendTerminalRecipient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAWSError(tt.err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyAWSErrorKeepsCode(t *testing.T) {
	got := classifyAWSError(&smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."})
	assert.Equal(t, "MessageRejected", got.Code)
	assert.Nil(t, classifyAWSError(nil))
}
