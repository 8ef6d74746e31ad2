package app

import (
	"context"
	"sync"

	"roomsync/pkg/directory"
	"roomsync/pkg/logger"
	"roomsync/pkg/models"
	"roomsync/pkg/notify"
	"roomsync/pkg/session"
)

// Client bundles the per-user components: the room directory, the
// notification aggregator and at most one open room session.
type Client struct {
	app  *App
	user models.Identity

	Directory *directory.Directory
	Notify    *notify.Aggregator

	mu        sync.Mutex
	active    *session.Session
	sweepStop context.CancelFunc
}

// NewClient builds the per-user component set. The directory's mutation
// signal is wired into the aggregator so read-state changes reflect in
// the badge immediately.
func (a *App) NewClient(user models.Identity) *Client {
	c := &Client{app: a, user: user}
	c.Notify = notify.New(a.Local, a.Local, user)
	c.Directory = directory.New(a.Local, user,
		directory.WithMutationSignal(func() {
			c.Notify.Poke(context.Background())
		}),
	)
	return c
}

// Start attaches the aggregator to the change feed and, when configured,
// schedules the self-healing sweep.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Notify.Start(ctx); err != nil {
		return err
	}
	stop, err := c.Notify.StartSweep(ctx, c.app.cfg.Notify.SweepCron)
	if err != nil {
		c.Notify.Stop()
		return err
	}
	c.mu.Lock()
	c.sweepStop = stop
	c.mu.Unlock()
	return nil
}

// Stop tears down the open session, the sweep and the aggregator.
func (c *Client) Stop() {
	c.CloseRoom()
	c.mu.Lock()
	stop := c.sweepStop
	c.sweepStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.Notify.Stop()
}

// OpenRoom switches the active session to the given room. The previous
// session is fully closed before the new one opens, so stale callbacks
// cannot land on the new room's log. Opening marks the room read.
func (c *Client) OpenRoom(ctx context.Context, room models.Room, hooks session.Hooks) (*session.Session, error) {
	c.mu.Lock()
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s := session.New(session.Options{
		Store:   c.app.Local,
		Feed:    c.app.Local,
		Bus:     c.app.Local,
		Blobs:   c.app.Blobs,
		User:    c.user,
		Room:    room,
		Timings: c.app.timings,
		Hooks:   hooks,
	})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	if err := c.Directory.MarkRead(ctx, room.Key); err != nil {
		logger.Warn("mark_read_on_open_failed", "room", room.Key.String(), "error", err)
	}
	return s, nil
}

// Active returns the open session, or nil.
func (c *Client) Active() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CloseRoom closes the active session if any.
func (c *Client) CloseRoom() {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
