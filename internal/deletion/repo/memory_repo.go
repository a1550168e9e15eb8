package repo

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion/entity"
)

// MemoryRepo holds pending deletions in a process-local map keyed by token
// hash. Tokens do not survive a restart and are not shared across instances.
type MemoryRepo struct {
	mu      sync.Mutex
	pending map[string]entity.PendingDeletion
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{pending: make(map[string]entity.PendingDeletion)}
}

func (r *MemoryRepo) Save(_ context.Context, pd entity.PendingDeletion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[pd.TokenHash] = pd
	return nil
}

// Take removes and returns the record matching tokenHash. Every stored hash is
// compared in constant time and the scan never stops early. An expired match is
// evicted and reported as absent.
func (r *MemoryRepo) Take(_ context.Context, tokenHash string, now time.Time) (*entity.PendingDeletion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		match entity.PendingDeletion
		found bool
	)
	for k, pd := range r.pending {
		if subtle.ConstantTimeCompare([]byte(k), []byte(tokenHash)) == 1 {
			match, found = pd, true
		}
	}
	if !found {
		return nil, nil
	}
	delete(r.pending, match.TokenHash)
	if match.Expired(now) {
		return nil, nil
	}
	return &match, nil
}

func (r *MemoryRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, pd := range r.pending {
		if pd.Expired(now) {
			delete(r.pending, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired ones included.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
