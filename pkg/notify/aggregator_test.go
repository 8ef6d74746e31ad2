package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"roomsync/pkg/backend"
	"roomsync/pkg/models"
)

type fakeStore struct {
	mu sync.Mutex

	unreadMessages int
	invitations    int
	applications   int

	messagesErr error
	markErr     error

	lastMsgQuery backend.MessageQuery
	lastInvQuery backend.InvitationQuery
	lastAppQuery backend.ApplicationQuery
	markCalls    []backend.MessageQuery
}

func (f *fakeStore) CountMessages(ctx context.Context, q backend.MessageQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsgQuery = q
	if f.messagesErr != nil {
		return 0, f.messagesErr
	}
	return f.unreadMessages, nil
}

func (f *fakeStore) CountInvitations(ctx context.Context, q backend.InvitationQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInvQuery = q
	return f.invitations, nil
}

func (f *fakeStore) CountApplications(ctx context.Context, q backend.ApplicationQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppQuery = q
	return f.applications, nil
}

func (f *fakeStore) MarkMessagesRead(ctx context.Context, q backend.MessageQuery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, q)
	if f.markErr != nil {
		return f.markErr
	}
	f.unreadMessages = 0
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	return m, nil
}
func (f *fakeStore) UpdateMessage(ctx context.Context, m models.Message) error { return nil }
func (f *fakeStore) ListMessages(ctx context.Context, q backend.MessageQuery) ([]models.Message, error) {
	return nil, nil
}
func (f *fakeStore) ListInvitations(ctx context.Context, q backend.InvitationQuery) ([]models.Invitation, error) {
	return nil, nil
}
func (f *fakeStore) ListApplications(ctx context.Context, q backend.ApplicationQuery) ([]models.Application, error) {
	return nil, nil
}
func (f *fakeStore) ReadStates(ctx context.Context, userID string) (map[models.RoomKey]int64, error) {
	return nil, nil
}
func (f *fakeStore) SetReadState(ctx context.Context, userID string, room models.RoomKey, ts int64) error {
	return nil
}

type fakeSub struct{ onStop func() }

func (s *fakeSub) Unsubscribe() {
	if s.onStop != nil {
		s.onStop()
	}
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[backend.Table]func(backend.Event)
	released int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[backend.Table]func(backend.Event))}
}

func (f *fakeFeed) Subscribe(table backend.Table, filter backend.EventFilter, fn func(backend.Event)) (backend.Subscription, error) {
	f.mu.Lock()
	f.handlers[table] = fn
	f.mu.Unlock()
	return &fakeSub{onStop: func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}}, nil
}

func (f *fakeFeed) emit(t *testing.T, table backend.Table) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[table]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for table %s", table)
	}
	fn(backend.Event{Op: backend.OpInsert, Table: table})
}

var seekerID = models.Identity{ID: "s1", Role: models.RoleSeeker}

func TestRecomputeAllSeeker(t *testing.T) {
	st := &fakeStore{unreadMessages: 2, invitations: 1, applications: 3}
	a := New(st, newFakeFeed(), seekerID)

	c := a.RecomputeAll(context.Background())
	want := models.Counters{Messages: 2, Invitations: 1, Applications: 3}
	if c != want {
		t.Fatalf("counters = %+v, want %+v", c, want)
	}
	if c.Total() != 6 {
		t.Fatalf("total = %d, want 6", c.Total())
	}
	if st.lastMsgQuery.ReceiverID != "s1" || !st.lastMsgQuery.Unread {
		t.Fatalf("message query = %+v", st.lastMsgQuery)
	}
	// the seeker's application counter excludes pending and counts only
	// unacknowledged status changes
	if st.lastAppQuery.StatusNot != models.StatusPending || !st.lastAppQuery.Unacked {
		t.Fatalf("application query = %+v", st.lastAppQuery)
	}
}

func TestRecomputeManagerPolicy(t *testing.T) {
	st := &fakeStore{unreadMessages: 1, invitations: 7, applications: 2}
	a := New(st, newFakeFeed(), models.Identity{ID: "m1", Role: models.RoleManager})

	c := a.RecomputeAll(context.Background())
	// no invitations are addressed to a manager, whatever the store holds
	if c.Invitations != 0 {
		t.Fatalf("manager invitations = %d, want 0", c.Invitations)
	}
	if c.Applications != 2 || c.Messages != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if st.lastAppQuery.ManagerID != "m1" || len(st.lastAppQuery.Statuses) != 1 || st.lastAppQuery.Statuses[0] != models.StatusPending {
		t.Fatalf("application query = %+v", st.lastAppQuery)
	}
}

func TestPartialFailureKeepsLastValue(t *testing.T) {
	st := &fakeStore{unreadMessages: 2, invitations: 1, applications: 3}
	a := New(st, newFakeFeed(), seekerID)
	a.RecomputeAll(context.Background())

	st.mu.Lock()
	st.messagesErr = errors.New("query timeout")
	st.invitations = 5
	st.mu.Unlock()

	c := a.RecomputeAll(context.Background())
	// the failed counter keeps its last known value, the rest update
	want := models.Counters{Messages: 2, Invitations: 5, Applications: 3}
	if c != want {
		t.Fatalf("counters = %+v, want %+v", c, want)
	}
	if c.Total() != 10 {
		t.Fatalf("badge sum = %d, want 10", c.Total())
	}
}

func TestOnChangeFiresOnlyOnChange(t *testing.T) {
	st := &fakeStore{unreadMessages: 1}
	var calls []models.Counters
	a := New(st, newFakeFeed(), seekerID, WithOnChange(func(c models.Counters) {
		calls = append(calls, c)
	}))

	a.RecomputeAll(context.Background())
	a.RecomputeAll(context.Background())
	if len(calls) != 1 {
		t.Fatalf("onChange fired %d times for one change, want 1", len(calls))
	}

	st.mu.Lock()
	st.unreadMessages = 4
	st.mu.Unlock()
	a.RecomputeAll(context.Background())
	if len(calls) != 2 || calls[1].Messages != 4 {
		t.Fatalf("onChange after change: %v", calls)
	}
}

func TestStartSubscribesAllTablesAndRecomputes(t *testing.T) {
	st := &fakeStore{}
	feed := newFakeFeed()
	a := New(st, feed, seekerID)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()

	if len(feed.handlers) != 3 {
		t.Fatalf("subscribed to %d tables, want 3", len(feed.handlers))
	}

	st.mu.Lock()
	st.unreadMessages = 1
	st.mu.Unlock()
	feed.emit(t, backend.TableMessages)
	if got := a.Counters().Messages; got != 1 {
		t.Fatalf("messages = %d after feed event, want 1", got)
	}

	st.mu.Lock()
	st.invitations = 2
	st.mu.Unlock()
	feed.emit(t, backend.TableInvitations)
	if got := a.Counters().Invitations; got != 2 {
		t.Fatalf("invitations = %d after feed event, want 2", got)
	}
}

func TestStopReleasesSubscriptions(t *testing.T) {
	feed := newFakeFeed()
	a := New(&fakeStore{}, feed, seekerID)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.Stop()
	if feed.released != 3 {
		t.Fatalf("released %d subscriptions, want 3", feed.released)
	}
}

func TestMarkMessagesReadOptimistic(t *testing.T) {
	st := &fakeStore{unreadMessages: 5}
	var seen []int
	a := New(st, newFakeFeed(), seekerID, WithOnChange(func(c models.Counters) {
		seen = append(seen, c.Messages)
	}))
	a.RecomputeAll(context.Background())

	if err := a.MarkMessagesRead(context.Background()); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := a.Counters().Messages; got != 0 {
		t.Fatalf("messages = %d, want 0", got)
	}
	// the zero is visible before persistence, not after
	if len(seen) < 2 || seen[len(seen)-1] != 0 {
		t.Fatalf("onChange sequence = %v", seen)
	}
	if len(st.markCalls) != 1 || st.markCalls[0].ReceiverID != "s1" || !st.markCalls[0].Unread {
		t.Fatalf("persist query = %+v", st.markCalls)
	}
}

func TestMarkMessagesReadFailureRecomputes(t *testing.T) {
	st := &fakeStore{unreadMessages: 5, markErr: errors.New("backend down")}
	a := New(st, newFakeFeed(), seekerID)
	a.RecomputeAll(context.Background())

	if err := a.MarkMessagesRead(context.Background()); err == nil {
		t.Fatalf("mark read succeeded, want error")
	}
	// the forced recompute restores the true value
	if got := a.Counters().Messages; got != 5 {
		t.Fatalf("messages = %d after failed persist, want 5", got)
	}
}

func TestPolicyFor(t *testing.T) {
	if _, ok := PolicyFor(models.RoleManager).(ManagerPolicy); !ok {
		t.Fatalf("manager role got %T", PolicyFor(models.RoleManager))
	}
	if _, ok := PolicyFor(models.RoleSeeker).(SeekerPolicy); !ok {
		t.Fatalf("seeker role got %T", PolicyFor(models.RoleSeeker))
	}
}
