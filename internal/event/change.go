package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrIgnored is returned by FromChange for changes that produce no event
// (updates, collections the engine does not watch, non-pending requests).
var ErrIgnored = errors.New("change ignored")

// Op is the document operation reported by a trigger source.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Watched collections.
const (
	CollectionInvites        = "invites"
	CollectionMessages       = "messages"
	CollectionFriendRequests = "friend_requests"
	CollectionReports        = "reports"
)

// Change is a before/after snapshot of one document as delivered by a
// trigger source. Before is empty on insert. Truncated changes carry no
// snapshots; the source reloads After before dispatch.
type Change struct {
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	ID         string          `json:"id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Truncated  bool            `json:"truncated,omitempty"`
}

// DecodeChange parses a trigger payload.
func DecodeChange(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("%w: decode change: %v", ErrInvalidEvent, err)
	}
	if c.Collection == "" || c.ID == "" {
		return Change{}, fmt.Errorf("%w: change missing collection or id", ErrInvalidEvent)
	}
	return c, nil
}

type inviteDoc struct {
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	RecipientIDs []string  `json:"recipient_ids"`
	MatchName    string    `json:"match_name"`
	VenueName    string    `json:"venue_name"`
	WatchAt      time.Time `json:"watch_at"`
}

type messageDoc struct {
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	SenderName     string   `json:"sender_name"`
	Text           string   `json:"text"`
	ParticipantIDs []string `json:"participant_ids"`
}

type friendRequestDoc struct {
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
}

type reportDoc struct {
	ReporterID     string `json:"reporter_id"`
	ContentOwnerID string `json:"content_owner_id"`
	ContentRef     string `json:"content_ref"`
	Reason         string `json:"reason"`
}

// FromChange converts a document change into a validated Event. Only
// inserts produce events; everything else yields ErrIgnored.
func FromChange(c Change) (Event, error) {
	if c.Op != OpInsert {
		return nil, ErrIgnored
	}
	if len(c.After) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no after snapshot", ErrInvalidEvent, c.Collection, c.ID)
	}

	var ev Event
	switch c.Collection {
	case CollectionInvites:
		var d inviteDoc
		if err := decodeDoc(c, &d); err != nil {
			return nil, err
		}
		ev = InviteCreated{
			ID:           c.ID,
			SenderID:     d.SenderID,
			SenderName:   d.SenderName,
			RecipientIDs: d.RecipientIDs,
			MatchName:    d.MatchName,
			VenueName:    d.VenueName,
			WatchAt:      d.WatchAt,
		}
	case CollectionMessages:
		var d messageDoc
		if err := decodeDoc(c, &d); err != nil {
			return nil, err
		}
		ev = MessageCreated{
			ID:             c.ID,
			ConversationID: d.ConversationID,
			SenderID:       d.SenderID,
			SenderName:     d.SenderName,
			Text:           d.Text,
			ParticipantIDs: d.ParticipantIDs,
		}
	case CollectionFriendRequests:
		var d friendRequestDoc
		if err := decodeDoc(c, &d); err != nil {
			return nil, err
		}
		if d.Status != "" && d.Status != "pending" {
			return nil, ErrIgnored
		}
		ev = FriendRequestCreated{
			ID:          c.ID,
			SenderID:    d.SenderID,
			SenderName:  d.SenderName,
			RecipientID: d.RecipientID,
		}
	case CollectionReports:
		var d reportDoc
		if err := decodeDoc(c, &d); err != nil {
			return nil, err
		}
		ev = ReportCreated{
			ID:             c.ID,
			ReporterID:     d.ReporterID,
			ContentOwnerID: d.ContentOwnerID,
			ContentRef:     d.ContentRef,
			Reason:         d.Reason,
		}
	default:
		return nil, ErrIgnored
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeDoc(c Change, v any) error {
	if err := json.Unmarshal(c.After, v); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrInvalidEvent, c.Collection, c.ID, err)
	}
	return nil
}
