// Package directory produces the ordered list of rooms visible to the
// current user, each annotated with an unread count, and tracks read
// state.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomsync/pkg/backend"
	"roomsync/pkg/logger"
	"roomsync/pkg/models"
)

// Directory owns the room list and its cached unread counts. No other
// component writes into the cache; it is only mutated here or invalidated
// and recomputed wholesale.
type Directory struct {
	mu    sync.Mutex
	store backend.RowStore
	user  models.Identity

	rooms []models.Room

	// onMutate is the loose "something changed" signal mutating
	// operations fire; the notification aggregator hangs off it.
	onMutate func()

	nowFn func() time.Time
}

// Option tweaks a Directory.
type Option func(*Directory)

// WithMutationSignal registers the shared changed signal.
func WithMutationSignal(fn func()) Option {
	return func(d *Directory) { d.onMutate = fn }
}

// WithNow overrides the clock (tests).
func WithNow(fn func() time.Time) Option {
	return func(d *Directory) { d.nowFn = fn }
}

// New builds a directory for one user.
func New(store backend.RowStore, user models.Identity, opts ...Option) *Directory {
	d := &Directory{store: store, user: user, nowFn: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Directory) signal() {
	if d.onMutate != nil {
		d.onMutate()
	}
}

// ListRooms queries pending/accepted handshakes for the user's side,
// deduplicates fan-out rows by composite key (last row wins) and computes
// per-room unread counts. On any query error the previous known list is
// returned unchanged.
func (d *Directory) ListRooms(ctx context.Context) []models.Room {
	q := backend.InvitationQuery{Statuses: []string{models.StatusPending, models.StatusAccepted}}
	switch d.user.Role {
	case models.RoleManager:
		q.ManagerID = d.user.ID
	default:
		q.SeekerID = d.user.ID
	}
	invites, err := d.store.ListInvitations(ctx, q)
	if err != nil {
		logger.Warn("list_rooms_failed", "user", d.user.ID, "error", err)
		return d.snapshot()
	}
	reads, err := d.store.ReadStates(ctx, d.user.ID)
	if err != nil {
		logger.Warn("read_states_failed", "user", d.user.ID, "error", err)
		return d.snapshot()
	}

	// dedupe: backend joins can fan out repeated rows per composite key
	order := make([]models.RoomKey, 0, len(invites))
	byKey := make(map[models.RoomKey]models.Invitation, len(invites))
	for _, inv := range invites {
		k := inv.Room()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = inv
	}

	rooms := make([]models.Room, 0, len(order))
	for _, k := range order {
		inv := byKey[k]
		r := models.Room{
			Key:          k,
			Status:       inv.Status,
			ProjectTitle: inv.ProjectTitle,
			LastReadTS:   reads[k],
		}
		if d.user.Role == models.RoleManager {
			r.Partner = models.Identity{ID: inv.SeekerID, Name: inv.SeekerName, Role: models.RoleSeeker}
		} else {
			r.Partner = models.Identity{ID: inv.ManagerID, Name: inv.ManagerName, Role: models.RoleManager}
		}
		n, err := d.store.CountMessages(ctx, backend.MessageQuery{
			Room:      &r.Key,
			SenderNot: d.user.ID,
			After:     r.LastReadTS,
		})
		if err != nil {
			logger.Warn("unread_count_failed", "room", k.String(), "error", err)
			return d.snapshot()
		}
		r.Unread = n
		rooms = append(rooms, r)
	}

	d.mu.Lock()
	d.rooms = rooms
	d.mu.Unlock()
	return d.snapshot()
}

func (d *Directory) snapshot() []models.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Room(nil), d.rooms...)
}

// SelectInitialRoom picks the room to open: the hint when it matches,
// else the first room, else none. The hint counterparty may be either
// side of the room.
func SelectInitialRoom(rooms []models.Room, hintProjectID, hintPartnerID string) (models.Room, bool) {
	if hintProjectID != "" {
		for _, r := range rooms {
			if r.Key.ProjectID != hintProjectID {
				continue
			}
			if hintPartnerID == "" || r.Key.SeekerID == hintPartnerID || r.Partner.ID == hintPartnerID {
				return r, true
			}
		}
	}
	if len(rooms) > 0 {
		return rooms[0], true
	}
	return models.Room{}, false
}

// MarkRead advances the viewer's last-read timestamp to now and marks the
// partner-authored unread messages in the room read. Last-read never
// moves backward; calling twice in a row leaves the unread count where
// one call left it.
func (d *Directory) MarkRead(ctx context.Context, room models.RoomKey) error {
	ts := d.nowFn().UTC().UnixNano()
	if err := d.store.SetReadState(ctx, d.user.ID, room, ts); err != nil {
		return fmt.Errorf("set read state: %w", err)
	}
	if err := d.store.MarkMessagesRead(ctx, backend.MessageQuery{
		Room:      &room,
		SenderNot: d.user.ID,
		Unread:    true,
	}); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	d.mu.Lock()
	for i := range d.rooms {
		if d.rooms[i].Key == room {
			if ts > d.rooms[i].LastReadTS {
				d.rooms[i].LastReadTS = ts
			}
			d.rooms[i].Unread = 0
		}
	}
	d.mu.Unlock()
	d.signal()
	return nil
}

// MarkAllRead advances last-read across every pending/accepted room and
// clears the viewer's unread messages in one bulk write. Read-state
// timestamps are per (user, room) keys, so those stay one write per room.
func (d *Directory) MarkAllRead(ctx context.Context) error {
	rooms := d.ListRooms(ctx)
	ts := d.nowFn().UTC().UnixNano()
	var firstErr error
	for _, r := range rooms {
		if err := d.store.SetReadState(ctx, d.user.ID, r.Key, ts); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("set read state: %w", err)
		}
	}
	if err := d.store.MarkMessagesRead(ctx, backend.MessageQuery{
		ReceiverID: d.user.ID,
		Unread:     true,
	}); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("mark messages read: %w", err)
	}
	d.mu.Lock()
	for i := range d.rooms {
		if ts > d.rooms[i].LastReadTS {
			d.rooms[i].LastReadTS = ts
		}
		d.rooms[i].Unread = 0
	}
	d.mu.Unlock()
	d.signal()
	return firstErr
}
