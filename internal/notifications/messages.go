package notifications

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/albapepper/scoracle-notify/internal/delivery"
	"github.com/albapepper/scoracle-notify/internal/event"
	"github.com/albapepper/scoracle-notify/internal/model"
)

func reminderNotice(e event.ReminderDue, loc *time.Location) delivery.Notice {
	r := e.Reminder
	return delivery.Notice{
		Kind:           e.Kind(),
		SourceID:       e.SourceID(),
		Category:       model.CategoryMatchReminders,
		Title:          "Match Reminder",
		Body:           fmt.Sprintf("%s starts %s", r.MatchName, formatKickoff(r.MatchTime, loc)),
		ActionRef:      "matches/" + r.MatchID,
		Data:           map[string]string{"match_id": r.MatchID, "reminder_id": r.ID},
		RetryTransient: true,
	}
}

func inviteNotice(e event.InviteCreated) delivery.Notice {
	body := fmt.Sprintf("%s invited you to watch %s", displayName(e.SenderName), e.MatchName)
	if e.VenueName != "" {
		body += " at " + e.VenueName
	}
	return delivery.Notice{
		Kind:      e.Kind(),
		SourceID:  e.SourceID(),
		Category:  model.CategoryInvites,
		Title:     "New Invite",
		Body:      body,
		ActionRef: "invites/" + e.ID,
		Data:      map[string]string{"invite_id": e.ID, "sender_id": e.SenderID},
	}
}

func messageNotice(e event.MessageCreated) delivery.Notice {
	return delivery.Notice{
		Kind:      e.Kind(),
		SourceID:  e.SourceID(),
		Category:  model.CategoryMessages,
		Title:     displayName(e.SenderName),
		Body:      preview(e.Text, previewRunes),
		ActionRef: "conversations/" + e.ConversationID,
		Data:      map[string]string{"conversation_id": e.ConversationID, "message_id": e.ID},
	}
}

func friendRequestNotice(e event.FriendRequestCreated) delivery.Notice {
	return delivery.Notice{
		Kind:      e.Kind(),
		SourceID:  e.SourceID(),
		Category:  model.CategoryFriendRequests,
		Title:     "Friend Request",
		Body:      fmt.Sprintf("%s sent you a friend request", displayName(e.SenderName)),
		ActionRef: "friend-requests/" + e.ID,
		Data:      map[string]string{"request_id": e.ID, "sender_id": e.SenderID},
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// formatKickoff renders a match time in the recipient's timezone,
// e.g. "on Sat Jun 14 at 3:00 PM EDT".
func formatKickoff(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return "on " + t.In(loc).Format("Mon Jan 2 at 3:04 PM MST")
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Someone"
	}
	return name
}

// preview cuts s to at most n runes, marking the cut with an ellipsis.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
