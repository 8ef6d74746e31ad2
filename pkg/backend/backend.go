// Package backend declares the narrow interfaces this library consumes
// from the hosted persistence/realtime service: a row-oriented store, a
// row-level change feed, an ephemeral broadcast channel and blob storage.
// Implementations live elsewhere (pkg/store provides a local one).
package backend

import (
	"context"
	"encoding/json"

	"roomsync/pkg/models"
)

// Op is a change-feed operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names the row tables this subsystem observes.
type Table string

const (
	TableMessages     Table = "messages"
	TableInvitations  Table = "invitations"
	TableApplications Table = "applications"
)

// Event is one row-level change. Delivery is at-least-once and ordering
// across rows is not guaranteed; consumers must dedupe and sort.
type Event struct {
	Op    Op              `json:"op"`
	Table Table           `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Message decodes the event row as a message.
func (e Event) Message() (models.Message, error) {
	var m models.Message
	err := json.Unmarshal(e.Row, &m)
	return m, err
}

// Subscription is a live change-feed or broadcast registration. It must be
// explicitly released. Unsubscribe blocks until any in-flight delivery
// completes, so callers may tear down resources the callback touches right
// after it returns; it must not be called from the callback itself.
type Subscription interface {
	Unsubscribe()
}

// EventFilter narrows a change-feed subscription. The zero value matches
// every row of the table.
type EventFilter struct {
	// Room restricts message events to one room.
	Room *models.RoomKey
}

// ChangeFeed is the subscribable stream of row-level events.
type ChangeFeed interface {
	Subscribe(table Table, filter EventFilter, fn func(Event)) (Subscription, error)
}

// Broadcast is the ephemeral pub/sub channel keyed by room, used for
// typing signals. Payloads are small and best-effort.
type Broadcast interface {
	Join(room models.RoomKey, fn func(payload []byte)) (Subscription, error)
	Publish(room models.RoomKey, payload []byte) error
}

// BlobStore uploads attachment bytes and returns a public URL.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, mime string) (string, error)
}

// MessageQuery expresses the filter shapes the subsystem needs: equality
// on room/participant, inequality on sender, read-flag equality and a
// timestamp lower bound.
type MessageQuery struct {
	Room       *models.RoomKey
	SenderID   string
	SenderNot  string
	ReceiverID string
	Unread     bool
	// After keeps only messages with TS strictly greater (ns).
	After int64
	// Limit bounds the result to the newest N messages; results are
	// always returned oldest-first.
	Limit int
}

// InvitationQuery selects handshake rows by party and status.
type InvitationQuery struct {
	ManagerID string
	SeekerID  string
	// EitherParty matches rows where the id is the manager or the seeker.
	EitherParty string
	Statuses    []string
}

// ApplicationQuery selects application rows.
type ApplicationQuery struct {
	ManagerID string
	SeekerID  string
	Statuses  []string
	// StatusNot excludes one status (e.g. pending for seeker badges).
	StatusNot string
	// Unacked keeps only rows whose status change has not been
	// acknowledged (AckedTS < UpdatedTS).
	Unacked bool
}

// RowStore is the read/write surface over the backing tables. All calls
// are synchronous; callers own their own optimistic state.
type RowStore interface {
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	UpdateMessage(ctx context.Context, m models.Message) error
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	CountMessages(ctx context.Context, q MessageQuery) (int, error)
	// MarkMessagesRead sets the read flag on every message matching q.
	MarkMessagesRead(ctx context.Context, q MessageQuery) error

	ListInvitations(ctx context.Context, q InvitationQuery) ([]models.Invitation, error)
	CountInvitations(ctx context.Context, q InvitationQuery) (int, error)

	ListApplications(ctx context.Context, q ApplicationQuery) ([]models.Application, error)
	CountApplications(ctx context.Context, q ApplicationQuery) (int, error)

	// ReadStates returns the viewer's last-read timestamp per room.
	ReadStates(ctx context.Context, userID string) (map[models.RoomKey]int64, error)
	SetReadState(ctx context.Context, userID string, room models.RoomKey, ts int64) error
}
