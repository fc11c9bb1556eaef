package event

import (
	"fmt"
	"strconv"
	"time"
)

// Announcement statuses.
const (
	StatusLooking = "looking"
	StatusMatched = "matched"
)

// Announcement is the typed view of a KindAnnouncement event: "I am
// searching" (looking) or "I propose/confirm a pairing" (matched).
type Announcement struct {
	PubKey        string    // sender's address on the event network
	Status        string    // looking | matched
	SessionID     string    // participant-local, regenerated on restart
	BrowserID     string    // advisory self-match discriminator
	Expiry        time.Time // announcement is stale after this instant
	TargetPubKey  string    // proposed partner, status=matched only
	ChatSessionID string    // shared chat identifier, set once proposed
	CreatedAt     time.Time
}

// Expired reports whether the announcement is stale at the given instant.
// Receivers must ignore expired announcements.
func (a *Announcement) Expired(now time.Time) bool {
	return now.After(a.Expiry)
}

// Encode translates the announcement into its wire event. The event is
// unsigned; callers sign it before publishing.
func (a *Announcement) Encode() *Event {
	ev := &Event{
		Kind:      KindAnnouncement,
		CreatedAt: a.CreatedAt.Unix(),
		Tags:      make([][]string, 0, 6),
	}
	ev.AddTag(TagStatus, a.Status)
	ev.AddTag(TagSession, a.SessionID)
	ev.AddTag(TagExpiry, strconv.FormatInt(a.Expiry.Unix(), 10))
	if a.BrowserID != "" {
		ev.AddTag(TagBrowserID, a.BrowserID)
	}
	if a.TargetPubKey != "" {
		ev.AddTag(TagPeer, a.TargetPubKey)
	}
	if a.ChatSessionID != "" {
		ev.AddTag(TagChatSession, a.ChatSessionID)
	}
	return ev
}

// ParseAnnouncement decodes a wire event into its typed view. It enforces
// the required tags for each status; a malformed event is a protocol
// violation and is reported as an error so the caller can drop and log it.
func ParseAnnouncement(ev *Event) (*Announcement, error) {
	if ev.Kind != KindAnnouncement {
		return nil, fmt.Errorf("event: not an announcement (kind %d)", ev.Kind)
	}

	status := ev.TagValue(TagStatus)
	if status != StatusLooking && status != StatusMatched {
		return nil, fmt.Errorf("event: announcement has invalid status %q", status)
	}

	sessionID := ev.TagValue(TagSession)
	if sessionID == "" {
		return nil, fmt.Errorf("event: announcement missing session tag")
	}

	expiryRaw := ev.TagValue(TagExpiry)
	expiryUnix, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("event: announcement has invalid expiry %q", expiryRaw)
	}

	a := &Announcement{
		PubKey:        ev.PubKey,
		Status:        status,
		SessionID:     sessionID,
		BrowserID:     ev.TagValue(TagBrowserID),
		Expiry:        time.Unix(expiryUnix, 0),
		TargetPubKey:  ev.TagValue(TagPeer),
		ChatSessionID: ev.TagValue(TagChatSession),
		CreatedAt:     time.Unix(ev.CreatedAt, 0),
	}

	if a.Status == StatusMatched {
		if a.TargetPubKey == "" {
			return nil, fmt.Errorf("event: matched announcement missing p tag")
		}
		if a.ChatSessionID == "" {
			return nil, fmt.Errorf("event: matched announcement missing chat_session tag")
		}
	}

	return a, nil
}
