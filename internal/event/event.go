// Package event defines the closed set of notification events the engine
// reacts to. Trigger sources hand in raw document changes; FromChange turns
// them into one of the concrete types below and validates them, so nothing
// downstream inspects untyped payloads.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/albapepper/scoracle-notify/internal/model"
)

// ErrInvalidEvent marks a payload that failed validation at ingestion.
var ErrInvalidEvent = errors.New("invalid event")

// Kind identifies a concrete event type.
type Kind string

const (
	KindReminderDue          Kind = "reminder_due"
	KindInviteCreated        Kind = "invite_created"
	KindMessageCreated       Kind = "message_created"
	KindFriendRequestCreated Kind = "friend_request_created"
	KindReportCreated        Kind = "report_created"
	KindSanctionExpirySweep  Kind = "sanction_expiry_sweep"
)

// KindSanctionNotice labels the notice the moderation machine sends when it
// issues a sanction. No Event carries it; it keys the notice in the ledger
// and in metrics apart from the report that caused it.
const KindSanctionNotice Kind = "sanction_notice"

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	// SourceID is the id of the document that produced the event. It is the
	// root of every dedup key derived from the event.
	SourceID() string
	Validate() error
	sealed()
}

// ReminderDue fires when a reminder's remind-at instant enters the polling window.
type ReminderDue struct {
	Reminder model.Reminder
}

// InviteCreated fires when a user invites others to watch a match.
type InviteCreated struct {
	ID           string
	SenderID     string
	SenderName   string
	RecipientIDs []string
	MatchName    string
	VenueName    string
	WatchAt      time.Time
}

// MessageCreated fires for every new chat message.
type MessageCreated struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	ParticipantIDs []string
}

// FriendRequestCreated fires when a pending friend request is created.
type FriendRequestCreated struct {
	ID          string
	SenderID    string
	SenderName  string
	RecipientID string
}

// ReportCreated fires when a user reports content owned by ContentOwnerID.
type ReportCreated struct {
	ID             string
	ReporterID     string
	ContentOwnerID string
	ContentRef     string
	Reason         string
}

// SanctionExpirySweep asks the moderation engine to clear expired state.
type SanctionExpirySweep struct {
	At time.Time
}

func (ReminderDue) Kind() Kind          { return KindReminderDue }
func (InviteCreated) Kind() Kind        { return KindInviteCreated }
func (MessageCreated) Kind() Kind       { return KindMessageCreated }
func (FriendRequestCreated) Kind() Kind { return KindFriendRequestCreated }
func (ReportCreated) Kind() Kind        { return KindReportCreated }
func (SanctionExpirySweep) Kind() Kind  { return KindSanctionExpirySweep }

func (e ReminderDue) SourceID() string          { return e.Reminder.ID }
func (e InviteCreated) SourceID() string        { return e.ID }
func (e MessageCreated) SourceID() string       { return e.ID }
func (e FriendRequestCreated) SourceID() string { return e.ID }
func (e ReportCreated) SourceID() string        { return e.ID }
func (e SanctionExpirySweep) SourceID() string {
	return e.At.UTC().Format(time.RFC3339)
}

func (ReminderDue) sealed()          {}
func (InviteCreated) sealed()        {}
func (MessageCreated) sealed()       {}
func (FriendRequestCreated) sealed() {}
func (ReportCreated) sealed()        {}
func (SanctionExpirySweep) sealed()  {}

func (e ReminderDue) Validate() error {
	r := e.Reminder
	if err := requireFields(e.Kind(), "id", r.ID, "user_id", r.UserID, "match_name", r.MatchName); err != nil {
		return err
	}
	if r.MatchTime.IsZero() {
		return invalid(e.Kind(), "match_time is required")
	}
	return nil
}

func (e InviteCreated) Validate() error {
	if err := requireFields(e.Kind(), "id", e.ID, "sender_id", e.SenderID, "match_name", e.MatchName); err != nil {
		return err
	}
	if len(e.RecipientIDs) == 0 {
		return invalid(e.Kind(), "recipient_ids is empty")
	}
	return nil
}

func (e MessageCreated) Validate() error {
	if err := requireFields(e.Kind(), "id", e.ID, "conversation_id", e.ConversationID, "sender_id", e.SenderID); err != nil {
		return err
	}
	if len(e.ParticipantIDs) == 0 {
		return invalid(e.Kind(), "participant_ids is empty")
	}
	return nil
}

func (e FriendRequestCreated) Validate() error {
	if err := requireFields(e.Kind(), "id", e.ID, "sender_id", e.SenderID, "recipient_id", e.RecipientID); err != nil {
		return err
	}
	if e.SenderID == e.RecipientID {
		return invalid(e.Kind(), "sender and recipient are the same user")
	}
	return nil
}

func (e ReportCreated) Validate() error {
	return requireFields(e.Kind(), "id", e.ID, "reporter_id", e.ReporterID, "content_owner_id", e.ContentOwnerID)
}

func (e SanctionExpirySweep) Validate() error {
	if e.At.IsZero() {
		return invalid(e.Kind(), "at is required")
	}
	return nil
}

// Recipients returns the message recipients, excluding the sender.
func (e MessageCreated) Recipients() []string {
	return without(e.ParticipantIDs, e.SenderID)
}

// Recipients returns the invitees, excluding the sender.
func (e InviteCreated) Recipients() []string {
	return without(e.RecipientIDs, e.SenderID)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func requireFields(kind Kind, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return invalid(kind, pairs[i]+" is required")
		}
	}
	return nil
}

func invalid(kind Kind, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, kind, msg)
}

// without returns ids minus exclude, de-duplicated, order preserved.
func without(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
