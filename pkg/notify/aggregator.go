// Package notify maintains the three cross-room unread counters
// (messages, invitations, applications), refreshed on any relevant
// change-feed event. The displayed badge is always the sum of the three;
// there is no separate total that can desync.
package notify

import (
	"context"
	"sync"

	"roomsync/pkg/backend"
	"roomsync/pkg/logger"
	"roomsync/pkg/metrics"
	"roomsync/pkg/models"
)

// Aggregator recomputes counters reactively. Partial failures are
// isolated: a failed counter keeps its last known value and is retried on
// the next triggering event.
type Aggregator struct {
	mu     sync.Mutex
	store  backend.RowStore
	feed   backend.ChangeFeed
	user   models.Identity
	policy Policy

	counters models.Counters
	onChange func(models.Counters)

	subs []backend.Subscription
}

// Option tweaks an Aggregator.
type Option func(*Aggregator)

// WithOnChange registers a counters callback for badge rendering.
func WithOnChange(fn func(models.Counters)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

// WithPolicy overrides the role-derived policy (tests).
func WithPolicy(p Policy) Option {
	return func(a *Aggregator) { a.policy = p }
}

// New builds an aggregator for one user and role.
func New(store backend.RowStore, feed backend.ChangeFeed, user models.Identity, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		feed:   feed,
		user:   user,
		policy: PolicyFor(user.Role),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Counters returns the last computed counters.
func (a *Aggregator) Counters() models.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// RecomputeAll refreshes the three counters concurrently. A failing count
// leaves that counter at its last known value; the other two still
// update.
func (a *Aggregator) RecomputeAll(ctx context.Context) models.Counters {
	prev := a.Counters()
	next := prev

	var wg sync.WaitGroup
	var mu sync.Mutex
	run := func(name string, fn func() (int, error), set func(*models.Counters, int)) {
		defer wg.Done()
		n, err := fn()
		if err != nil {
			metrics.RecomputeFailures.WithLabelValues(name).Inc()
			logger.Warn("counter_recompute_failed", "counter", name, "user", a.user.ID, "error", err)
			return
		}
		mu.Lock()
		set(&next, n)
		mu.Unlock()
	}

	wg.Add(3)
	go run("messages", func() (int, error) {
		return a.store.CountMessages(ctx, backend.MessageQuery{ReceiverID: a.user.ID, Unread: true})
	}, func(c *models.Counters, n int) { c.Messages = n })
	go run("invitations", func() (int, error) {
		return a.policy.PendingInvitations(ctx, a.store, a.user.ID)
	}, func(c *models.Counters, n int) { c.Invitations = n })
	go run("applications", func() (int, error) {
		return a.policy.RelevantApplications(ctx, a.store, a.user.ID)
	}, func(c *models.Counters, n int) { c.Applications = n })
	wg.Wait()

	a.mu.Lock()
	a.counters = next
	a.mu.Unlock()
	if next != prev {
		a.notify(next)
	}
	return next
}

func (a *Aggregator) notify(c models.Counters) {
	if a.onChange != nil {
		a.onChange(c)
	}
}

// Start attaches one broad change-feed listener per relevant table and
// recomputes on any event. Deliberately coarse: eventual correctness
// after a burst settles, not per-event deltas.
func (a *Aggregator) Start(ctx context.Context) error {
	tables := []backend.Table{
		backend.TableMessages,
		backend.TableInvitations,
		backend.TableApplications,
	}
	for _, t := range tables {
		sub, err := a.feed.Subscribe(t, backend.EventFilter{}, func(backend.Event) {
			a.RecomputeAll(ctx)
		})
		if err != nil {
			a.Stop()
			return err
		}
		a.mu.Lock()
		a.subs = append(a.subs, sub)
		a.mu.Unlock()
	}
	a.RecomputeAll(ctx)
	return nil
}

// Stop releases the feed subscriptions.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Poke forces a recompute; the room directory's mutation signal is wired
// here so read-state changes reflect in the badge without a feed event.
func (a *Aggregator) Poke(ctx context.Context) {
	a.RecomputeAll(ctx)
}

// MarkMessagesRead optimistically zeroes the message counter, persists
// the bulk read, and reconciles with a forced recompute if persistence
// fails.
func (a *Aggregator) MarkMessagesRead(ctx context.Context) error {
	a.mu.Lock()
	a.counters.Messages = 0
	c := a.counters
	a.mu.Unlock()
	a.notify(c)

	err := a.store.MarkMessagesRead(ctx, backend.MessageQuery{
		ReceiverID: a.user.ID,
		Unread:     true,
	})
	if err != nil {
		logger.Warn("mark_messages_read_failed", "user", a.user.ID, "error", err)
		a.RecomputeAll(ctx)
		return err
	}
	return nil
}
