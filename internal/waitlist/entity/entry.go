package entity

import (
	"slices"
	"time"
)

// Entry is a single registrant on the waitlist.
type Entry struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Position         int       `json:"position"`
	ReferralCode     string    `json:"referralCode"`
	ReferralCount    int       `json:"referralCount"`
	ReferredBy       *string   `json:"referredBy,omitempty"`
	ReferralCredited bool      `json:"referralCredited"`
	KitSubscriberID  *string   `json:"kitSubscriberId,omitempty"`
	Tags             []string  `json:"tags"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointers or slices with a store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.ReferredBy != nil {
		v := *e.ReferredBy
		c.ReferredBy = &v
	}
	if e.KitSubscriberID != nil {
		v := *e.KitSubscriberID
		c.KitSubscriberID = &v
	}
	c.Tags = slices.Clone(e.Tags)
	return &c
}

// HasTag reports whether tag is in the entry's tag set.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Patch lists the mutable fields of an entry. Nil fields are left untouched.
// Email and ReferredBy are fixed at creation and cannot be patched.
type Patch struct {
	Position         *int
	ReferralCount    *int
	KitSubscriberID  *string
	Tags             []string
	ReferralCredited *bool
}

// Apply merges p into e and bumps UpdatedAt.
func (p Patch) Apply(e *Entry, now time.Time) {
	if p.Position != nil {
		e.Position = *p.Position
	}
	if p.ReferralCount != nil {
		e.ReferralCount = *p.ReferralCount
	}
	if p.KitSubscriberID != nil {
		v := *p.KitSubscriberID
		e.KitSubscriberID = &v
	}
	if p.Tags != nil {
		e.Tags = slices.Clone(p.Tags)
	}
	if p.ReferralCredited != nil {
		e.ReferralCredited = *p.ReferralCredited
	}
	e.UpdatedAt = now
}

// MergeTags returns the union of existing and added, keeping first-seen order
// and dropping empty or duplicate values.
func MergeTags(existing []string, added ...string) []string {
	out := make([]string, 0, len(existing)+len(added))
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, t := range append(slices.Clone(existing), added...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
