// Package store is a pebble-backed implementation of the backend
// interfaces. It exists so the library runs end-to-end without the hosted
// service: tests and the inspect CLI use it as the row store, change feed
// and broadcast channel in one.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"roomsync/pkg/backend"
	"roomsync/pkg/ids"
	"roomsync/pkg/logger"
	"roomsync/pkg/models"
)

// Key layout:
//   msg:<project>:<seeker>:<unix_nano_padded>-<seq>  message row
//   msgid:<id>                                       id -> row key
//   invite:<project>:<seeker>                        handshake row
//   app:<project>:<seeker>                           application row
//   read:<user>:<project>:<seeker>                   last-read ts (decimal)

// Local is a single-process backend over a pebble database.
type Local struct {
	db   *pebble.DB
	path string
	seq  uint64
	hub  *hub
	bus  *bus
}

var _ backend.RowStore = (*Local)(nil)
var _ backend.ChangeFeed = (*Local)(nil)
var _ backend.Broadcast = (*Local)(nil)

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Local, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Local{db: db, path: path, hub: newHub(), bus: newBus()}, nil
}

// Close stops fanout and closes the database.
func (l *Local) Close() error {
	l.hub.close()
	l.bus.close()
	if err := l.db.Close(); err != nil {
		return err
	}
	logger.Info("pebble_closed", "path", l.path)
	return nil
}

func msgKey(room models.RoomKey, ts int64, seq uint64) string {
	return fmt.Sprintf("msg:%s:%s:%020d-%06d", room.ProjectID, room.SeekerID, ts, seq)
}

// InsertMessage persists a message row. The id and timestamp are
// server-assigned here unless the caller seeded them (fixtures do).
func (l *Local) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ProjectID == "" || m.SeekerID == "" {
		return m, fmt.Errorf("message missing room identity")
	}
	if m.ID == "" {
		m.ID = ids.GenMessageID()
	}
	if m.TS == 0 {
		m.TS = time.Now().UTC().UnixNano()
	}
	m.Provisional = false
	s := atomic.AddUint64(&l.seq, 1)
	key := msgKey(m.Room(), m.TS, s)
	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := l.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("save_message_failed", "room", m.Room().String(), "key", key, "error", err)
		return m, err
	}
	if err := l.db.Set([]byte("msgid:"+m.ID), []byte(key), pebble.Sync); err != nil {
		return m, err
	}
	l.hub.publish(backend.Event{Op: backend.OpInsert, Table: backend.TableMessages, Row: data})
	return m, nil
}

// UpdateMessage rewrites the row with the matching id in place. Unknown
// ids are an error; callers treat that as a stale reference.
func (l *Local) UpdateMessage(ctx context.Context, m models.Message) error {
	rowKey, closer, err := l.db.Get([]byte("msgid:" + m.ID))
	if err != nil {
		return fmt.Errorf("message %s not found: %w", m.ID, err)
	}
	key := append([]byte(nil), rowKey...)
	_ = closer.Close()
	m.Provisional = false
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := l.db.Set(key, data, pebble.Sync); err != nil {
		return err
	}
	l.hub.publish(backend.Event{Op: backend.OpUpdate, Table: backend.TableMessages, Row: data})
	return nil
}

func matchMessage(q backend.MessageQuery, m *models.Message) bool {
	if q.Room != nil && m.Room() != *q.Room {
		return false
	}
	if q.SenderID != "" && m.SenderID != q.SenderID {
		return false
	}
	if q.SenderNot != "" && m.SenderID == q.SenderNot {
		return false
	}
	if q.ReceiverID != "" && m.ReceiverID != q.ReceiverID {
		return false
	}
	if q.Unread && m.Read {
		return false
	}
	if q.After > 0 && m.TS <= q.After {
		return false
	}
	return true
}

func (l *Local) scanMessages(q backend.MessageQuery) ([]models.Message, error) {
	prefix := []byte("msg:")
	if q.Room != nil {
		prefix = []byte("msg:" + q.Room.ProjectID + ":" + q.Room.SeekerID + ":")
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("skip_invalid_message_row", "key", string(iter.Key()), "error", err)
			continue
		}
		if matchMessage(q, &m) {
			out = append(out, m)
		}
	}
	return out, iter.Error()
}

// ListMessages returns matching messages oldest-first. Limit keeps only
// the newest N.
func (l *Local) ListMessages(ctx context.Context, q backend.MessageQuery) ([]models.Message, error) {
	out, err := l.scanMessages(q)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// CountMessages counts matching rows, ignoring Limit.
func (l *Local) CountMessages(ctx context.Context, q backend.MessageQuery) (int, error) {
	q.Limit = 0
	out, err := l.scanMessages(q)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// MarkMessagesRead flips the read flag on every matching row and emits an
// update event per changed row.
func (l *Local) MarkMessagesRead(ctx context.Context, q backend.MessageQuery) error {
	q.Unread = true
	q.Limit = 0
	rows, err := l.scanMessages(q)
	if err != nil {
		return err
	}
	for _, m := range rows {
		m.Read = true
		if err := l.UpdateMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// UpsertInvitation writes a handshake row and emits a feed event. Not part
// of backend.RowStore: only fixtures and the surrounding application
// create handshakes; this subsystem just observes them.
func (l *Local) UpsertInvitation(ctx context.Context, inv models.Invitation) error {
	if inv.CreatedTS == 0 {
		inv.CreatedTS = time.Now().UTC().UnixNano()
	}
	key := "invite:" + inv.ProjectID + ":" + inv.SeekerID
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	op := backend.OpInsert
	if _, closer, gerr := l.db.Get([]byte(key)); gerr == nil {
		_ = closer.Close()
		op = backend.OpUpdate
	}
	if err := l.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return err
	}
	l.hub.publish(backend.Event{Op: op, Table: backend.TableInvitations, Row: data})
	return nil
}

// UpsertApplication writes an application row and emits a feed event.
func (l *Local) UpsertApplication(ctx context.Context, app models.Application) error {
	if app.CreatedTS == 0 {
		app.CreatedTS = time.Now().UTC().UnixNano()
	}
	if app.UpdatedTS == 0 {
		app.UpdatedTS = app.CreatedTS
	}
	key := "app:" + app.ProjectID + ":" + app.SeekerID
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	op := backend.OpInsert
	if _, closer, gerr := l.db.Get([]byte(key)); gerr == nil {
		_ = closer.Close()
		op = backend.OpUpdate
	}
	if err := l.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return err
	}
	l.hub.publish(backend.Event{Op: op, Table: backend.TableApplications, Row: data})
	return nil
}

func matchInvitation(q backend.InvitationQuery, inv *models.Invitation) bool {
	if q.ManagerID != "" && inv.ManagerID != q.ManagerID {
		return false
	}
	if q.SeekerID != "" && inv.SeekerID != q.SeekerID {
		return false
	}
	if q.EitherParty != "" && inv.ManagerID != q.EitherParty && inv.SeekerID != q.EitherParty {
		return false
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if inv.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (l *Local) ListInvitations(ctx context.Context, q backend.InvitationQuery) ([]models.Invitation, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("invite:")
	var out []models.Invitation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var inv models.Invitation
		if err := json.Unmarshal(iter.Value(), &inv); err != nil {
			continue
		}
		if matchInvitation(q, &inv) {
			out = append(out, inv)
		}
	}
	return out, iter.Error()
}

func (l *Local) CountInvitations(ctx context.Context, q backend.InvitationQuery) (int, error) {
	out, err := l.ListInvitations(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func matchApplication(q backend.ApplicationQuery, a *models.Application) bool {
	if q.ManagerID != "" && a.ManagerID != q.ManagerID {
		return false
	}
	if q.SeekerID != "" && a.SeekerID != q.SeekerID {
		return false
	}
	if q.StatusNot != "" && a.Status == q.StatusNot {
		return false
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.Unacked && a.AckedTS >= a.UpdatedTS {
		return false
	}
	return true
}

func (l *Local) ListApplications(ctx context.Context, q backend.ApplicationQuery) ([]models.Application, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("app:")
	var out []models.Application
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var a models.Application
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			continue
		}
		if matchApplication(q, &a) {
			out = append(out, a)
		}
	}
	return out, iter.Error()
}

func (l *Local) CountApplications(ctx context.Context, q backend.ApplicationQuery) (int, error) {
	out, err := l.ListApplications(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// ReadStates returns the user's last-read timestamp per room.
func (l *Local) ReadStates(ctx context.Context, userID string) (map[models.RoomKey]int64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("read:" + userID + ":")
	out := make(map[models.RoomKey]int64)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := strings.TrimPrefix(string(iter.Key()), "read:"+userID+":")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(string(iter.Value()), 10, 64)
		if err != nil {
			continue
		}
		out[models.RoomKey{ProjectID: parts[0], SeekerID: parts[1]}] = ts
	}
	return out, iter.Error()
}

// SetReadState stores the last-read timestamp. It never moves backward.
func (l *Local) SetReadState(ctx context.Context, userID string, room models.RoomKey, ts int64) error {
	key := "read:" + userID + ":" + room.ProjectID + ":" + room.SeekerID
	if v, closer, err := l.db.Get([]byte(key)); err == nil {
		prev, perr := strconv.ParseInt(string(v), 10, 64)
		_ = closer.Close()
		if perr == nil && prev >= ts {
			return nil
		}
	}
	return l.db.Set([]byte(key), []byte(strconv.FormatInt(ts, 10)), pebble.Sync)
}
