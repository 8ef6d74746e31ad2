package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomsync/pkg/backend"
	"roomsync/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	invites []models.Invitation
	reads   map[models.RoomKey]int64
	// unread maps room key -> count returned by CountMessages
	unread map[models.RoomKey]int

	listErr  error
	countErr error

	lastInvQuery backend.InvitationQuery
	readCalls    []backend.MessageQuery
	setReadCalls int
}

func (f *fakeStore) ListInvitations(ctx context.Context, q backend.InvitationQuery) ([]models.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInvQuery = q
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Invitation(nil), f.invites...), nil
}

func (f *fakeStore) ReadStates(ctx context.Context, userID string) (map[models.RoomKey]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.RoomKey]int64, len(f.reads))
	for k, v := range f.reads {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) CountMessages(ctx context.Context, q backend.MessageQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	if q.Room == nil {
		return 0, nil
	}
	return f.unread[*q.Room], nil
}

func (f *fakeStore) SetReadState(ctx context.Context, userID string, room models.RoomKey, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setReadCalls++
	if f.reads == nil {
		f.reads = make(map[models.RoomKey]int64)
	}
	if ts > f.reads[room] {
		f.reads[room] = ts
	}
	return nil
}

func (f *fakeStore) MarkMessagesRead(ctx context.Context, q backend.MessageQuery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, q)
	if q.Room != nil {
		f.unread[*q.Room] = 0
		return nil
	}
	for k := range f.unread {
		f.unread[k] = 0
	}
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	return m, nil
}
func (f *fakeStore) UpdateMessage(ctx context.Context, m models.Message) error { return nil }
func (f *fakeStore) ListMessages(ctx context.Context, q backend.MessageQuery) ([]models.Message, error) {
	return nil, nil
}
func (f *fakeStore) CountInvitations(ctx context.Context, q backend.InvitationQuery) (int, error) {
	return 0, nil
}
func (f *fakeStore) ListApplications(ctx context.Context, q backend.ApplicationQuery) ([]models.Application, error) {
	return nil, nil
}
func (f *fakeStore) CountApplications(ctx context.Context, q backend.ApplicationQuery) (int, error) {
	return 0, nil
}

var seeker = models.Identity{ID: "s1", Name: "Sana", Role: models.RoleSeeker}

func inv(project, manager, seeker, status string) models.Invitation {
	return models.Invitation{
		ProjectID: project, ManagerID: manager, SeekerID: seeker,
		Status: status, ProjectTitle: "title " + project, ManagerName: "mgr " + manager,
	}
}

func TestListRoomsDedupesFanout(t *testing.T) {
	st := &fakeStore{
		invites: []models.Invitation{
			inv("p1", "m1", "s1", models.StatusPending),
			inv("p2", "m2", "s1", models.StatusAccepted),
			// duplicate of p1 with a newer status: last row wins, position kept
			inv("p1", "m1", "s1", models.StatusAccepted),
		},
		unread: map[models.RoomKey]int{
			{ProjectID: "p1", SeekerID: "s1"}: 3,
		},
	}
	d := New(st, seeker)
	rooms := d.ListRooms(context.Background())

	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if rooms[0].Key.ProjectID != "p1" || rooms[1].Key.ProjectID != "p2" {
		t.Fatalf("order wrong: %v, %v", rooms[0].Key, rooms[1].Key)
	}
	if rooms[0].Status != models.StatusAccepted {
		t.Fatalf("last row did not win: status = %q", rooms[0].Status)
	}
	if rooms[0].Unread != 3 || rooms[1].Unread != 0 {
		t.Fatalf("unread = %d/%d, want 3/0", rooms[0].Unread, rooms[1].Unread)
	}
	if rooms[0].Partner.ID != "m1" || rooms[0].Partner.Role != models.RoleManager {
		t.Fatalf("partner = %+v, want the manager side", rooms[0].Partner)
	}
	// the seeker's side of the handshake drives the query
	if st.lastInvQuery.SeekerID != "s1" || st.lastInvQuery.ManagerID != "" {
		t.Fatalf("query sided wrong: %+v", st.lastInvQuery)
	}
}

func TestListRoomsManagerSide(t *testing.T) {
	manager := models.Identity{ID: "m1", Name: "Mori", Role: models.RoleManager}
	st := &fakeStore{
		invites: []models.Invitation{inv("p1", "m1", "s9", models.StatusAccepted)},
		unread:  map[models.RoomKey]int{},
	}
	d := New(st, manager)
	rooms := d.ListRooms(context.Background())
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms, want 1", len(rooms))
	}
	if rooms[0].Partner.ID != "s9" || rooms[0].Partner.Role != models.RoleSeeker {
		t.Fatalf("partner = %+v, want the seeker side", rooms[0].Partner)
	}
	if st.lastInvQuery.ManagerID != "m1" {
		t.Fatalf("query sided wrong: %+v", st.lastInvQuery)
	}
}

func TestListRoomsSoftFailKeepsPreviousList(t *testing.T) {
	st := &fakeStore{
		invites: []models.Invitation{inv("p1", "m1", "s1", models.StatusAccepted)},
		unread:  map[models.RoomKey]int{},
	}
	d := New(st, seeker)
	first := d.ListRooms(context.Background())
	if len(first) != 1 {
		t.Fatalf("seed list: %d rooms", len(first))
	}

	st.mu.Lock()
	st.listErr = errors.New("backend down")
	st.mu.Unlock()
	second := d.ListRooms(context.Background())
	if len(second) != 1 || second[0].Key != first[0].Key {
		t.Fatalf("soft fail returned %v, want previous list", second)
	}
}

func TestMarkReadIsMonotonicAndIdempotent(t *testing.T) {
	key := models.RoomKey{ProjectID: "p1", SeekerID: "s1"}
	st := &fakeStore{
		invites: []models.Invitation{inv("p1", "m1", "s1", models.StatusAccepted)},
		unread:  map[models.RoomKey]int{key: 2},
	}
	signals := 0
	now := time.Unix(1700000000, 0)
	d := New(st, seeker,
		WithMutationSignal(func() { signals++ }),
		WithNow(func() time.Time { return now }),
	)
	d.ListRooms(context.Background())

	if err := d.MarkRead(context.Background(), key); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	rooms := d.ListRooms(context.Background())
	if rooms[0].Unread != 0 {
		t.Fatalf("unread = %d after mark read", rooms[0].Unread)
	}
	if len(st.readCalls) != 1 {
		t.Fatalf("mark calls = %d", len(st.readCalls))
	}
	q := st.readCalls[0]
	if q.SenderNot != "s1" || !q.Unread || q.Room == nil || *q.Room != key {
		t.Fatalf("mark query = %+v", q)
	}

	// second call with an older clock must not move last-read backward
	now = now.Add(-time.Hour)
	if err := d.MarkRead(context.Background(), key); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if got := st.reads[key]; got != time.Unix(1700000000, 0).UTC().UnixNano() {
		t.Fatalf("last-read moved backward: %d", got)
	}
	if signals != 2 {
		t.Fatalf("mutation signal fired %d times, want 2", signals)
	}
}

func TestMarkAllReadIsBulk(t *testing.T) {
	k1 := models.RoomKey{ProjectID: "p1", SeekerID: "s1"}
	k2 := models.RoomKey{ProjectID: "p2", SeekerID: "s1"}
	st := &fakeStore{
		invites: []models.Invitation{
			inv("p1", "m1", "s1", models.StatusAccepted),
			inv("p2", "m2", "s1", models.StatusPending),
		},
		unread: map[models.RoomKey]int{k1: 1, k2: 4},
	}
	d := New(st, seeker)
	if err := d.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	for _, r := range d.ListRooms(context.Background()) {
		if r.Unread != 0 {
			t.Fatalf("room %s still unread %d", r.Key.String(), r.Unread)
		}
	}
	// one bulk message write covering every room, not one per room
	if len(st.readCalls) != 1 {
		t.Fatalf("mark calls = %d, want 1 bulk call", len(st.readCalls))
	}
	if q := st.readCalls[0]; q.Room != nil || q.ReceiverID != "s1" || !q.Unread {
		t.Fatalf("bulk query = %+v", q)
	}
	if st.setReadCalls != 2 {
		t.Fatalf("read-state writes = %d, want one per room", st.setReadCalls)
	}
}

func TestSelectInitialRoom(t *testing.T) {
	rooms := []models.Room{
		{Key: models.RoomKey{ProjectID: "p1", SeekerID: "s1"}, Partner: models.Identity{ID: "m1"}},
		{Key: models.RoomKey{ProjectID: "p2", SeekerID: "s2"}, Partner: models.Identity{ID: "m2"}},
	}

	if r, ok := SelectInitialRoom(rooms, "p2", "s2"); !ok || r.Key.ProjectID != "p2" {
		t.Fatalf("hint by seeker id: %v %v", r.Key, ok)
	}
	// the hint counterparty may be the manager side of the room
	if r, ok := SelectInitialRoom(rooms, "p2", "m2"); !ok || r.Key.ProjectID != "p2" {
		t.Fatalf("hint by partner id: %v %v", r.Key, ok)
	}
	if r, ok := SelectInitialRoom(rooms, "p9", ""); !ok || r.Key.ProjectID != "p1" {
		t.Fatalf("stale hint should fall back to first: %v %v", r.Key, ok)
	}
	if r, ok := SelectInitialRoom(rooms, "", ""); !ok || r.Key.ProjectID != "p1" {
		t.Fatalf("no hint should pick first: %v %v", r.Key, ok)
	}
	if _, ok := SelectInitialRoom(nil, "p1", "s1"); ok {
		t.Fatalf("empty list selected a room")
	}
}
