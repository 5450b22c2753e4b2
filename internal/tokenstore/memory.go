package tokenstore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/idplane/ssogate/internal/provider"
)

// Memory is the in-process Store, backed by go-cache. Suitable for
// single-node deployments and tests.
type Memory struct {
	c *gocache.Cache
}

// NewMemory builds an in-memory store. Entries live for ttl; a ttl of 0
// keeps them until invalidated.
func NewMemory(ttl time.Duration) *Memory {
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}
	return &Memory{c: gocache.New(ttl, time.Minute)}
}

func (m *Memory) Get(_ context.Context, k Key) (provider.Token, bool, error) {
	v, ok := m.c.Get(k.String())
	if !ok {
		return provider.Token{}, false, nil
	}
	t, ok := v.(provider.Token)
	if !ok {
		return provider.Token{}, false, nil
	}
	return t, true, nil
}

func (m *Memory) Put(_ context.Context, k Key, t provider.Token) error {
	m.c.SetDefault(k.String(), t)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, k Key) error {
	m.c.Delete(k.String())
	return nil
}
