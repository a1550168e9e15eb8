package entity

import "errors"

var (
	// ErrDuplicate is returned by stores when an email or referral code is already taken.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrAlreadyCredited is returned by stores when the referred entry's
	// referral has been credited before.
	ErrAlreadyCredited = errors.New("referral already credited")
)
