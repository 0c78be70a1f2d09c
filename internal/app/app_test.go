package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
	"github.com/unclebandit/mailfleet-backend/internal/repository/memstore"
	"github.com/unclebandit/mailfleet-backend/internal/service"
	"github.com/unclebandit/mailfleet-backend/internal/transport"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StoreDriver:   config.StoreDriverMemory,
		MailTransport: config.TransportLog,
		DispatchQueue: "jobs",
		Dispatch: config.DispatchConfig{
			BatchSize:              5,
			PerIdentityConcurrency: 2,
			PoolWorkers:            2,
			MaxAttempts:            1,
			PersistMaxAttempts:     1,
			DefaultStrategy:        "pool",
		},
	}
}

func TestBuildWithMemoryStore(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.IsType(t, &memstore.CampaignRepo{}, a.Repos.Campaigns)
	assert.IsType(t, &queue.InMemoryQueue{}, a.Queue)
	assert.IsType(t, &transport.LogTransport{}, a.Transport)
	assert.Equal(t, service.StrategyPool, a.Campaigns.DefaultStrategy)
	assert.Equal(t, "jobs", a.Campaigns.DispatchTopic)
	assert.NotNil(t, a.Worker)
}

func TestSubscribeDispatchUsesConfiguredTopic(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	mem := a.Queue.(*queue.InMemoryQueue)
	assert.Error(t, mem.Publish("jobs", queue.DispatchJob{CampaignID: 1}))

	require.NoError(t, a.SubscribeDispatch(context.Background()))
	require.NoError(t, mem.Publish("jobs", queue.DispatchJob{CampaignID: 1}))
	mem.Wait()
}

func TestNewTransportSelectsSES(t *testing.T) {
	cfg := memoryConfig()
	cfg.MailTransport = config.TransportSES
	cfg.SessionTTL = time.Minute
	assert.IsType(t, &transport.SESTransport{}, newTransport(cfg, zerolog.Nop()))
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
