package models

// Reaction is a single (reactor, emoji) entry on a message. A reactor may
// attach many distinct emojis but never the same emoji twice.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
	Name   string `json:"name,omitempty"`
}

// Attachment is an uploaded file referenced from a message.
type Attachment struct {
	URL  string `json:"url"`
	MIME string `json:"mime,omitempty"`
}

type Message struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	// SeekerID is the seeker-side participant; (ProjectID, SeekerID) is the
	// room the message belongs to.
	SeekerID   string      `json:"seeker_id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Read       bool        `json:"read,omitempty"`
	Reactions  []Reaction  `json:"reactions,omitempty"`
	// TS is the creation timestamp (ns). Server-authoritative once the row
	// is confirmed; a client-clock estimate while provisional.
	TS int64 `json:"ts"`
	// ClientRef carries the client-generated id of the optimistic entry a
	// confirmed row replaces. Backends that do not persist it leave it
	// empty and reconciliation falls back to fuzzy matching.
	ClientRef string `json:"client_ref,omitempty"`
	// Provisional marks a locally-created, not-yet-confirmed entry. Never
	// persisted.
	Provisional bool `json:"-"`
}

// Room identifies the message's room.
func (m *Message) Room() RoomKey {
	return RoomKey{ProjectID: m.ProjectID, SeekerID: m.SeekerID}
}

// HasReaction reports whether userID already reacted with emoji.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
