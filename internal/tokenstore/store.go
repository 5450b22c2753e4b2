// Package tokenstore persists OAuth tokens per (user, provider) behind a
// narrow get/put/invalidate contract.
//
// Writes for a single key are atomic whole-value swaps in every backend:
// two concurrent puts leave the store holding exactly one of the two
// tokens, never a mix. Reads run concurrently with writes to other keys.
// Callers must not hold store locks across network calls; both backends
// here take no locks beyond the duration of the operation itself.
package tokenstore

import (
	"context"

	"github.com/idplane/ssogate/internal/provider"
)

// Key identifies one stored token.
type Key struct {
	UserID   string
	Provider string
}

func (k Key) String() string {
	return k.Provider + ":" + k.UserID
}

// Store is the token persistence contract. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the stored token and whether one exists.
	Get(ctx context.Context, k Key) (provider.Token, bool, error)

	// Put stores the token, replacing any previous one atomically.
	Put(ctx context.Context, k Key, t provider.Token) error

	// Invalidate removes the token. Removing a missing key is a no-op.
	Invalidate(ctx context.Context, k Key) error
}
