// Package lease provides named, expiring mutual-exclusion leases so that only one
// holder runs a job at a time, within one process or across replicas.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/ids"
)

// Lease grants exclusive, expiring ownership of a key.
type Lease interface {
	// TryAcquire claims key for ttl. It returns the owner token and false when
	// another holder owns a live claim.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release gives the claim up if token still owns it.
	Release(ctx context.Context, key, token string) error
}

type localClaim struct {
	token   string
	expires time.Time
}

// Local is an in-process Lease.
type Local struct {
	mu     sync.Mutex
	claims map[string]localClaim
	ids    ids.Provider
	now    func() time.Time
}

// NewLocal constructs an in-process lease.
func NewLocal(clock func() time.Time) *Local {
	if clock == nil {
		clock = time.Now
	}
	return &Local{
		claims: make(map[string]localClaim),
		ids:    ids.NewUUIDProvider(),
		now:    clock,
	}
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if claim, ok := l.claims[key]; ok && now.Before(claim.expires) {
		return "", false, nil
	}
	token := ids.MustNew(l.ids)
	l.claims[key] = localClaim{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *Local) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if claim, ok := l.claims[key]; ok && claim.token == token {
		delete(l.claims, key)
	}
	return nil
}
