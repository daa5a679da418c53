package models

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultInsulinRatio = 10
	MinInsulinRatio     = 1
	MaxInsulinRatio     = 50
)

var ErrRatioOutOfRange = fmt.Errorf("insulin ratio must be between %d and %d", MinInsulinRatio, MaxInsulinRatio)

var ErrCommentsTooLong = errors.New("comments exceed 2000 characters")

// Settings are the caregiver-controlled values protected by the parental PIN.
type Settings struct {
	InsulinRatio int    `json:"insulin_ratio"`
	Comments     string `json:"comments"`
}

func DefaultSettings() Settings {
	return Settings{InsulinRatio: DefaultInsulinRatio}
}

func (s Settings) Validate() error {
	if s.InsulinRatio < MinInsulinRatio || s.InsulinRatio > MaxInsulinRatio {
		return ErrRatioOutOfRange
	}
	if len([]rune(s.Comments)) > 2000 {
		return ErrCommentsTooLong
	}
	return nil
}

// PinCredential is the stored parental PIN state for one user.
type PinCredential struct {
	HashedPin      string     `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastUnlockTime *time.Time `json:"last_unlock_time,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (c *PinCredential) Clone() *PinCredential {
	if c == nil {
		return nil
	}
	out := *c
	if c.LockedUntil != nil {
		t := *c.LockedUntil
		out.LockedUntil = &t
	}
	if c.LastUnlockTime != nil {
		t := *c.LastUnlockTime
		out.LastUnlockTime = &t
	}
	return &out
}
