package models

// Role distinguishes the two sides of the marketplace.
type Role string

const (
	RoleManager Role = "manager"
	RoleSeeker  Role = "seeker"
)

// Handshake status values. Pending transitions to accepted or declined;
// both are terminal. A declined room stays browsable.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// Identity is the session user handed to each component at construction.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// RoomKey is the composite identity of a conversation. A manager can have
// distinct rooms with different seekers on the same project; a seeker has
// exactly one room per project.
type RoomKey struct {
	ProjectID string `json:"project_id"`
	SeekerID  string `json:"seeker_id"`
}

func (k RoomKey) String() string { return k.ProjectID + ":" + k.SeekerID }

// Room is one conversation as seen by the current viewer.
type Room struct {
	Key          RoomKey `json:"key"`
	Status       string  `json:"status"`
	ProjectTitle string  `json:"project_title,omitempty"`
	// Partner is the counterparty's display identity for this viewer.
	Partner Identity `json:"partner"`
	// LastReadTS is the viewer's last-read timestamp (ns) for this room.
	LastReadTS int64 `json:"last_read_ts"`
	// Unread is the count of partner-authored messages newer than
	// LastReadTS. Derived, never persisted.
	Unread int `json:"unread"`
}

// Invitation is a handshake row. The backing store denormalizes the
// partner display names and project title into the row, so listing rooms
// needs no extra join round-trips.
type Invitation struct {
	ProjectID    string `json:"project_id"`
	ManagerID    string `json:"manager_id"`
	SeekerID     string `json:"seeker_id"`
	Status       string `json:"status"`
	ProjectTitle string `json:"project_title,omitempty"`
	ManagerName  string `json:"manager_name,omitempty"`
	SeekerName   string `json:"seeker_name,omitempty"`
	CreatedTS    int64  `json:"created_ts"`
}

func (i *Invitation) Room() RoomKey {
	return RoomKey{ProjectID: i.ProjectID, SeekerID: i.SeekerID}
}

// Application is a seeker's application to a project. AckedTS records when
// the seeker acknowledged the latest status change; a non-pending status
// with AckedTS < UpdatedTS counts toward the seeker's badge.
type Application struct {
	ProjectID string `json:"project_id"`
	ManagerID string `json:"manager_id"`
	SeekerID  string `json:"seeker_id"`
	Status    string `json:"status"`
	CreatedTS int64  `json:"created_ts"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
	AckedTS   int64  `json:"acked_ts,omitempty"`
}
