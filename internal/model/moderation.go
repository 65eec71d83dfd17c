package model

import "time"

// SanctionType is the kind of moderation penalty.
type SanctionType string

const (
	SanctionMute    SanctionType = "mute"
	SanctionSuspend SanctionType = "suspend"
	SanctionBan     SanctionType = "ban"
)

// ModerationStatus is the per-user moderation document. At most one of
// IsMuted, IsSuspended and IsBanned is true.
type ModerationStatus struct {
	UserID         string
	ReportCount    int
	IsMuted        bool
	MutedUntil     *time.Time
	IsSuspended    bool
	SuspendedUntil *time.Time
	IsBanned       bool
	UpdatedAt      time.Time
}

// State names the status for logs and the moderator API.
func (s ModerationStatus) State() string {
	switch {
	case s.IsBanned:
		return "banned"
	case s.IsSuspended:
		return "suspended"
	case s.IsMuted:
		return "muted"
	default:
		return "clean"
	}
}

// Sanction is a time-bounded penalty. ExpiresAt is nil for permanent bans.
type Sanction struct {
	ID        string
	UserID    string
	Type      SanctionType
	Reason    string
	IssuedAt  time.Time
	ExpiresAt *time.Time
	IsActive  bool
}
