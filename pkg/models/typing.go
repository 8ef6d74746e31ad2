package models

// TypingEvent is the ephemeral typing broadcast payload. It is never
// persisted; receivers must treat absence-of-refresh as expiry since a
// closing true signal's matching false can be lost.
type TypingEvent struct {
	Room   RoomKey `json:"room"`
	UserID string  `json:"user_id"`
	Typing bool    `json:"typing"`
}
