package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
)

type httpStatusError interface {
	HTTPStatusCode() int
}

func isRetryableCode(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "TooManyRequestsException", "ServiceUnavailable",
		"InternalFailure", "RequestTimeout", "LimitExceededException":
		return true
	}
	return false
}

func isIdentityCode(code string) bool {
	switch code {
	case "AccessDenied", "AccessDeniedException", "AccountSendingPausedException",
		"ConfigurationSetSendingPausedException", "MailFromDomainNotVerifiedException",
		"InvalidClientTokenId", "UnrecognizedClientException", "ExpiredToken", "SignatureDoesNotMatch":
		return true
	}
	return false
}

// classifyAWSError maps an SDK error onto the dispatch error taxonomy.
// HTTP 429 and 5xx are retryable. Credential and account failures break the
// whole identity. Everything else is scoped to the recipient.
func classifyAWSError(err error) *appErrors.SendError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.NewRetryable("Timeout", err)
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		switch {
		case isRetryableCode(code):
			return appErrors.NewRetryable(code, err)
		case isIdentityCode(code):
			return appErrors.NewTerminalIdentity(code, err)
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		status := statusErr.HTTPStatusCode()
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			return appErrors.NewRetryable(code, err)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return appErrors.NewTerminalIdentity(code, err)
		}
	}
	return appErrors.NewTerminalRecipient(code, err)
}
