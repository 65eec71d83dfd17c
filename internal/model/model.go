// Package model holds the records shared by the delivery and moderation
// components. Persistence lives in internal/store; nothing here touches I/O.
package model

import (
	"time"
)

// Category groups notifications for preference checks.
type Category string

const (
	CategoryMatchReminders Category = "match_reminders"
	CategoryInvites        Category = "invites"
	CategoryMessages       Category = "messages"
	CategoryFriendRequests Category = "friend_requests"
	CategoryModeration     Category = "moderation"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryMatchReminders, CategoryInvites, CategoryMessages,
		CategoryFriendRequests, CategoryModeration:
		return true
	}
	return false
}

// Mandatory categories cannot be switched off by the recipient.
func (c Category) Mandatory() bool {
	return c == CategoryModeration
}

// User is the slice of a user document the engine needs.
type User struct {
	ID        string
	PushToken string // empty when absent or cleared
	Timezone  string // IANA name; empty means UTC
}

// Location resolves the user's timezone, falling back to UTC.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Preference is a user's notification settings. Categories missing from
// Disabled are enabled.
type Preference struct {
	UserID     string
	Disabled   map[Category]bool
	QuietHours *QuietHours
}

// Enabled reports whether the user accepts notifications of category c.
func (p Preference) Enabled(c Category) bool {
	if c.Mandatory() {
		return true
	}
	return !p.Disabled[c]
}

// InAppNotification is the durable in-app record. Only IsRead changes
// after creation.
type InAppNotification struct {
	ID          string
	RecipientID string
	Title       string
	Body        string
	Category    Category
	ActionRef   string
	IsRead      bool
	CreatedAt   time.Time
}

// DeliveryRecord is an Idempotency Ledger entry.
type DeliveryRecord struct {
	Key            string
	RecipientCount int
	ProcessedAt    time.Time
}

// Reminder is a scheduled match reminder owned by one user.
type Reminder struct {
	ID        string
	UserID    string
	MatchID   string
	MatchName string
	MatchTime time.Time
	RemindAt  time.Time
	IsSent    bool
}
