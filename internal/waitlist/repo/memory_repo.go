package repo

import (
	"context"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/entity"
)

// MemoryRepo keeps waitlist entries in process memory. Data is lost on restart
// and is not shared between instances; use PostgresRepo for anything beyond a
// single-instance deployment.
type MemoryRepo struct {
	mu      sync.RWMutex
	byEmail map[string]*entity.Entry
	byCode  map[string]string // referral code -> email
	now     func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byEmail: make(map[string]*entity.Entry),
		byCode:  make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryRepo) Create(_ context.Context, e *entity.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[e.Email]; ok {
		return entity.ErrDuplicate
	}
	if _, ok := r.byCode[e.ReferralCode]; ok {
		return entity.ErrDuplicate
	}
	now := r.now().UTC()
	c := e.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Tags == nil {
		c.Tags = []string{}
	}
	r.byEmail[c.Email] = c
	r.byCode[c.ReferralCode] = c.Email
	e.CreatedAt, e.UpdatedAt = c.CreatedAt, c.UpdatedAt
	return nil
}

func (r *MemoryRepo) GetByEmail(_ context.Context, email string) (*entity.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byEmail[email].Clone(), nil
}

func (r *MemoryRepo) GetByReferralCode(_ context.Context, code string) (*entity.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email, ok := r.byCode[code]
	if !ok {
		return nil, nil
	}
	return r.byEmail[email].Clone(), nil
}

func (r *MemoryRepo) UpdateEntry(_ context.Context, email string, p entity.Patch) (*entity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEmail[email]
	if !ok {
		return nil, nil
	}
	p.Apply(e, r.now().UTC())
	return e.Clone(), nil
}

func (r *MemoryRepo) DeleteByEmail(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEmail[email]
	if !ok {
		return false, nil
	}
	delete(r.byCode, e.ReferralCode)
	delete(r.byEmail, email)
	return true, nil
}

func (r *MemoryRepo) UpdateKitSubscriberID(ctx context.Context, email, id string) (*entity.Entry, error) {
	return r.UpdateEntry(ctx, email, entity.Patch{KitSubscriberID: &id})
}

// AddTags unions tags into the entry's set under a single lock so concurrent
// webhook deliveries cannot drop each other's tags.
func (r *MemoryRepo) AddTags(_ context.Context, email string, tags ...string) (*entity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEmail[email]
	if !ok {
		return nil, nil
	}
	entity.Patch{Tags: entity.MergeTags(e.Tags, tags...)}.Apply(e, r.now().UTC())
	return e.Clone(), nil
}

func (r *MemoryRepo) ProcessReferral(_ context.Context, email string, spots int) (*entity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byEmail[email]
	if !ok {
		return nil, nil
	}
	pos := max(1, e.Position-spots)
	count := e.ReferralCount + 1
	entity.Patch{Position: &pos, ReferralCount: &count}.Apply(e, r.now().UTC())
	return e.Clone(), nil
}

// CreditReferral flags referredEmail as credited and moves referrerEmail up
// by spots under one lock. A missing entry on either side leaves both untouched.
func (r *MemoryRepo) CreditReferral(_ context.Context, referredEmail, referrerEmail string, spots int) (*entity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	referred, ok := r.byEmail[referredEmail]
	if !ok {
		return nil, nil
	}
	if referred.ReferralCredited {
		return nil, entity.ErrAlreadyCredited
	}
	referrer, ok := r.byEmail[referrerEmail]
	if !ok {
		return nil, nil
	}
	now := r.now().UTC()
	credited := true
	entity.Patch{ReferralCredited: &credited}.Apply(referred, now)
	pos := max(1, referrer.Position-spots)
	count := referrer.ReferralCount + 1
	entity.Patch{Position: &pos, ReferralCount: &count}.Apply(referrer, now)
	return referrer.Clone(), nil
}

// NextPosition returns one past the current last position.
func (r *MemoryRepo) NextPosition(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last := 0
	for _, e := range r.byEmail {
		last = max(last, e.Position)
	}
	return last + 1, nil
}
