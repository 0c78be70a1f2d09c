package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

type fakeSES struct {
	mu    sync.Mutex
	input []*ses.SendRawEmailInput
	err   error
}

func (f *fakeSES) SendRawEmail(_ context.Context, in *ses.SendRawEmailInput, _ ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = append(f.input, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendRawEmailOutput{MessageId: aws.String("msg-1")}, nil
}

var (
	testIdentity  = model.SendingIdentity{ID: 1, Email: "sender@example.com", CredentialProfile: "team-a"}
	testRecipient = model.Recipient{ID: 7, Email: "alice@example.com", Name: "Alice"}
	testMessage   = Message{From: "sender@example.com", To: "alice@example.com", Subject: "s", HTMLBody: "<p>b</p>"}
)

func TestSessionPoolCreatesOncePerIdentity(t *testing.T) {
	var created atomic.Int32
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		created.Add(1)
		return &fakeSES{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Get(context.Background(), testIdentity)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
	assert.Equal(t, 1, pool.Len())

	other := testIdentity
	other.Email = "other@example.com"
	_, err := pool.Get(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())

	pool.Evict(testIdentity)
	assert.Equal(t, 1, pool.Len())
	_, err = pool.Get(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.EqualValues(t, 3, created.Load())
}

func TestSessionPoolFactoryError(t *testing.T) {
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return nil, errors.New("no credentials")
	})
	_, err := pool.Get(context.Background(), testIdentity)
	assert.Error(t, err)
	assert.Equal(t, 0, pool.Len())
}

func TestSESTransportSend(t *testing.T) {
	client := &fakeSES{}
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return client, nil
	})
	tr := NewSESTransport(pool, zerolog.Nop())

	id, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, client.input, 1)
	in := client.input[0]
	assert.Equal(t, "sender@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"alice@example.com"}, in.Destinations)
	assert.Contains(t, string(in.RawMessage.Data), "<p>b</p>")
}

func TestSESTransportEvictsOnIdentityError(t *testing.T) {
	client := &fakeSES{err: &smithy.GenericAPIError{Code: "AccessDenied"}}
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return client, nil
	})
	tr := NewSESTransport(pool, zerolog.Nop())

	_, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	var sendErr *appErrors.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.IdentityLevel())
	assert.Equal(t, 0, pool.Len())
}

func TestSESTransportKeepsSessionOnRecipientError(t *testing.T) {
	client := &fakeSES{err: &smithy.GenericAPIError{Code: "MessageRejected"}}
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return client, nil
	})
	tr := NewSESTransport(pool, zerolog.Nop())

	_, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	var sendErr *appErrors.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, appErrors.SendTerminalRecipient, sendErr.Kind)
	assert.Equal(t, 1, pool.Len())
}

func TestSESTransportSessionFailureIsIdentityLevel(t *testing.T) {
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return nil, errors.New("profile not found")
	})
	tr := NewSESTransport(pool, zerolog.Nop())

	_, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	assert.True(t, appErrors.Classify(err).IdentityLevel())
}

func TestSESTransportMalformedMessage(t *testing.T) {
	pool := NewSessionPool(time.Minute, func(context.Context, model.SendingIdentity) (SESClient, error) {
		return &fakeSES{}, nil
	})
	tr := NewSESTransport(pool, zerolog.Nop())

	_, err := tr.Send(context.Background(), testIdentity, testRecipient, Message{From: "sender@example.com"})
	var sendErr *appErrors.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "MalformedMessage", sendErr.Code)
}

func TestLogTransportReturnsMessageID(t *testing.T) {
	tr := NewLogTransport(zerolog.Nop())
	a, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	require.NoError(t, err)
	b, err := tr.Send(context.Background(), testIdentity, testRecipient, testMessage)
	require.NoError(t, err)
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
