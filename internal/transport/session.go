package transport

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// SessionFactory opens a client for one identity.
type SessionFactory func(ctx context.Context, identity model.SendingIdentity) (SESClient, error)

// SessionPool caches one client per identity for a bounded lifetime.
type SessionPool struct {
	mu      sync.Mutex
	cache   *cache.Cache
	factory SessionFactory
}

func NewSessionPool(ttl time.Duration, factory SessionFactory) *SessionPool {
	cleanup := ttl
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &SessionPool{
		cache:   cache.New(ttl, cleanup),
		factory: factory,
	}
}

func sessionKey(identity model.SendingIdentity) string {
	return identity.CredentialProfile + "|" + identity.Email
}

// Get returns the cached client for identity, creating it on a miss.
// Concurrent misses for the same identity create the client once.
func (p *SessionPool) Get(ctx context.Context, identity model.SendingIdentity) (SESClient, error) {
	key := sessionKey(identity)
	if s, ok := p.cache.Get(key); ok {
		return s.(SESClient), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.cache.Get(key); ok {
		return s.(SESClient), nil
	}
	s, err := p.factory(ctx, identity)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, s, cache.DefaultExpiration)
	return s, nil
}

// Evict drops the identity's client so the next Get re-creates it.
func (p *SessionPool) Evict(identity model.SendingIdentity) {
	p.cache.Delete(sessionKey(identity))
}

func (p *SessionPool) Len() int {
	return p.cache.ItemCount()
}
