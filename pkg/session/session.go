// Package session owns the message log of one open room: initial load,
// live append from the change feed, optimistic local sends reconciled
// against confirmed rows, reaction toggling and typing signals.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"roomsync/pkg/backend"
	"roomsync/pkg/config"
	"roomsync/pkg/ids"
	"roomsync/pkg/logger"
	"roomsync/pkg/metrics"
	"roomsync/pkg/models"
)

var (
	ErrClosed      = errors.New("session closed")
	ErrAlreadyOpen = errors.New("session already open")
)

// State is the session lifecycle: Closed -> Loading -> Live -> Closed.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateLive
)

// File is an attachment handed to Send. It is uploaded before the message
// row is written.
type File struct {
	Name string
	Data []byte
	MIME string
}

// Hooks are the UI-facing callbacks. All fields are optional. Hooks fire
// outside the session lock; implementations may call back into the
// session, except Close, which waits for in-flight feed deliveries and
// must not be called from a hook they triggered.
type Hooks struct {
	// OnChange fires when the visible log changed.
	OnChange func()
	// OnNotice surfaces a short, dismissible failure notice.
	OnNotice func(msg string)
	// OnDraft restores draft text to the input after a failed send.
	OnDraft func(text string)
	// OnPartnerTyping reports partner-typing indicator transitions.
	OnPartnerTyping func(typing bool)
}

func (h Hooks) change() {
	if h.OnChange != nil {
		h.OnChange()
	}
}

func (h Hooks) notice(msg string) {
	if h.OnNotice != nil {
		h.OnNotice(msg)
	}
}

func (h Hooks) draft(text string) {
	if h.OnDraft != nil {
		h.OnDraft(text)
	}
}

func (h Hooks) partnerTyping(v bool) {
	if h.OnPartnerTyping != nil {
		h.OnPartnerTyping(v)
	}
}

// Options configures a session. Store and Feed are required; Bus and
// Blobs may be nil when typing signals or attachments are not used.
type Options struct {
	Store   backend.RowStore
	Feed    backend.ChangeFeed
	Bus     backend.Broadcast
	Blobs   backend.BlobStore
	User    models.Identity
	Room    models.Room
	Timings config.SessionTimings
	Hooks   Hooks
	Clock   Clock
}

// entry pairs a message with its arrival sequence; display order is
// (TS, seq) so ties between equal timestamps stay stable.
type entry struct {
	msg models.Message
	seq uint64
}

// Session is the authoritative view of one room's message log while open.
// Mutating methods are safe for concurrent use; the log is owned
// exclusively by the session.
type Session struct {
	mu sync.Mutex
	o  Options

	state   State
	epoch   uint64
	entries []entry
	seq     uint64

	feedSub backend.Subscription
	busSub  backend.Subscription

	typingActive bool
	// announcePending marks a burst whose typing=true broadcast the rate
	// limiter denied; it is retried on the next keystroke.
	announcePending bool
	idleTimer       Timer
	partnerTyping   bool
	partnerTimer    Timer
	limiter         *rate.Limiter

	// persistMu serializes reaction persists so the last write always
	// carries the newest local state.
	persistMu sync.Mutex
}

// New builds a closed session for one room.
func New(o Options) *Session {
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Timings.HistoryLimit <= 0 {
		o.Timings.HistoryLimit = config.DefaultHistoryLimit
	}
	if o.Timings.TypingIdle <= 0 {
		o.Timings.TypingIdle = config.DefaultTypingIdle
	}
	if o.Timings.PartnerExpiry <= 0 {
		o.Timings.PartnerExpiry = config.DefaultPartnerExpiry
	}
	if o.Timings.TypingInterval <= 0 {
		o.Timings.TypingInterval = config.DefaultTypingInterval
	}
	return &Session{
		o:       o,
		limiter: rate.NewLimiter(rate.Every(o.Timings.TypingInterval), 1),
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the session's room.
func (s *Session) Room() models.Room { return s.o.Room }

// Messages returns the log in display order (oldest first).
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.entries))
	for i := range s.entries {
		out[i] = s.entries[i].msg
	}
	return out
}

// PartnerTyping reports whether the partner-typing indicator is up.
func (s *Session) PartnerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerTyping
}

// Open loads the newest bounded window of history and goes live. A load
// failure leaves the session closed; callers retry by calling Open again.
// Feed subscription failures are logged, not surfaced: the subscription
// is retried on the next activation.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.state = StateLoading
	s.epoch++
	e := s.epoch
	room := s.o.Room.Key
	limit := s.o.Timings.HistoryLimit
	s.mu.Unlock()

	msgs, err := s.o.Store.ListMessages(ctx, backend.MessageQuery{Room: &room, Limit: limit})
	if err != nil {
		s.mu.Lock()
		if s.epoch == e {
			s.state = StateClosed
		}
		s.mu.Unlock()
		return fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	if s.epoch != e {
		s.mu.Unlock()
		return ErrClosed
	}
	s.entries = s.entries[:0]
	for _, m := range msgs {
		s.seq++
		s.entries = append(s.entries, entry{msg: m, seq: s.seq})
	}
	s.sortLocked()
	s.state = StateLive
	s.mu.Unlock()

	if sub, serr := s.o.Feed.Subscribe(backend.TableMessages, backend.EventFilter{Room: &room}, func(ev backend.Event) {
		s.onFeedEvent(e, ev)
	}); serr != nil {
		logger.Warn("feed_subscribe_failed", "room", room.String(), "error", serr)
	} else {
		s.setSub(&s.feedSub, e, sub)
	}
	if s.o.Bus != nil {
		if sub, serr := s.o.Bus.Join(room, func(p []byte) {
			s.onBroadcast(e, p)
		}); serr != nil {
			logger.Warn("broadcast_join_failed", "room", room.String(), "error", serr)
		} else {
			s.setSub(&s.busSub, e, sub)
		}
	}
	s.o.Hooks.change()
	return nil
}

// setSub installs a subscription unless the session moved on meanwhile,
// in which case the late subscription is released immediately.
func (s *Session) setSub(slot *backend.Subscription, e uint64, sub backend.Subscription) {
	s.mu.Lock()
	if s.epoch != e || s.state != StateLive {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	*slot = sub
	s.mu.Unlock()
}

// Close tears the session down synchronously: subscriptions released,
// timers stopped, epoch bumped so late callbacks no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.state = StateClosed
	feedSub, busSub := s.feedSub, s.busSub
	s.feedSub, s.busSub = nil, nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.partnerTimer != nil {
		s.partnerTimer.Stop()
		s.partnerTimer = nil
	}
	announce := s.typingActive
	s.typingActive = false
	s.announcePending = false
	s.partnerTyping = false
	s.mu.Unlock()

	if feedSub != nil {
		feedSub.Unsubscribe()
	}
	if busSub != nil {
		busSub.Unsubscribe()
	}
	if announce {
		s.publishTyping(false)
	}
}

// Send appends an optimistic provisional entry, uploads the attachment if
// any, then persists the row. On failure the provisional entry is removed,
// the draft text restored and a notice surfaced; no message id is ever
// assigned. The optimistic entry is visible (OnChange fired) before any
// network round-trip.
func (s *Session) Send(ctx context.Context, text string, file *File) error {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return ErrClosed
	}
	e := s.epoch
	ref := ids.GenClientRef()
	prov := models.Message{
		ID:          ref,
		ClientRef:   ref,
		ProjectID:   s.o.Room.Key.ProjectID,
		SeekerID:    s.o.Room.Key.SeekerID,
		SenderID:    s.o.User.ID,
		ReceiverID:  s.o.Room.Partner.ID,
		Text:        text,
		TS:          s.o.Clock.Now().UTC().UnixNano(),
		Provisional: true,
	}
	s.insertLocked(prov)
	// an explicit send ends the typing burst immediately
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	announce := s.typingActive
	s.typingActive = false
	s.announcePending = false
	s.mu.Unlock()

	s.o.Hooks.change()
	if announce {
		s.publishTyping(false)
	}

	var attach *models.Attachment
	if file != nil {
		if s.o.Blobs == nil {
			s.rollback(e, ref, text, "attachment storage unavailable")
			return fmt.Errorf("send: no blob store configured")
		}
		path := fmt.Sprintf("attachments/%s/%s/%s_%s",
			prov.ProjectID, prov.SeekerID, ref, file.Name)
		url, err := s.o.Blobs.Upload(ctx, path, file.Data, file.MIME)
		if err != nil {
			metrics.SendFailures.Inc()
			s.rollback(e, ref, text, "attachment upload failed")
			return fmt.Errorf("upload attachment: %w", err)
		}
		attach = &models.Attachment{URL: url, MIME: file.MIME}
		s.mu.Lock()
		if s.epoch == e {
			if i := s.indexOfLocked(ref); i >= 0 {
				s.entries[i].msg.Attachment = attach
			}
		}
		s.mu.Unlock()
		s.o.Hooks.change()
	}

	row := prov
	row.ID = ""
	// the store assigns the authoritative timestamp; the client-clock
	// estimate only ever orders the provisional entry
	row.TS = 0
	row.Provisional = false
	row.Attachment = attach
	// reactions toggled on the provisional entry before this point ride
	// along on the row
	s.mu.Lock()
	if s.epoch == e {
		if i := s.indexOfLocked(ref); i >= 0 {
			row.Reactions = append([]models.Reaction(nil), s.entries[i].msg.Reactions...)
		}
	}
	s.mu.Unlock()
	confirmed, err := s.o.Store.InsertMessage(ctx, row)
	if err != nil {
		metrics.SendFailures.Inc()
		s.rollback(e, ref, text, "message failed to send")
		return fmt.Errorf("send: %w", err)
	}
	// the feed insert may already have reconciled this; applyInsert dedupes
	s.applyInsert(e, confirmed, false)
	return nil
}

// rollback removes a provisional entry after a failed send and restores
// the draft.
func (s *Session) rollback(e uint64, ref, draft, notice string) {
	s.mu.Lock()
	removed := false
	if s.epoch == e {
		if i := s.indexOfLocked(ref); i >= 0 && s.entries[i].msg.Provisional {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			removed = true
		}
	}
	s.mu.Unlock()
	if removed {
		s.o.Hooks.change()
	}
	s.o.Hooks.draft(draft)
	s.o.Hooks.notice(notice)
}

// ToggleReaction optimistically flips the (current user, emoji) membership
// on the target message, then persists the full resulting reaction set. A
// missing message is a stale reference and a silent no-op.
func (s *Session) ToggleReaction(ctx context.Context, msgID, emoji string) error {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return ErrClosed
	}
	e := s.epoch
	i := s.indexOfLocked(msgID)
	if i < 0 {
		s.mu.Unlock()
		logger.Debug("reaction_on_missing_message", "msg", msgID)
		return nil
	}
	m := &s.entries[i].msg
	if m.HasReaction(s.o.User.ID, emoji) {
		out := m.Reactions[:0]
		for _, r := range m.Reactions {
			if !(r.UserID == s.o.User.ID && r.Emoji == emoji) {
				out = append(out, r)
			}
		}
		m.Reactions = out
	} else {
		m.Reactions = append(m.Reactions, models.Reaction{
			UserID: s.o.User.ID, Emoji: emoji, Name: s.o.User.Name,
		})
	}
	provisional := m.Provisional
	s.mu.Unlock()
	s.o.Hooks.change()

	if provisional {
		// no server row yet; the set is carried onto the row by Send, or
		// merged and persisted when the confirmed row reconciles
		return nil
	}

	if err := s.persistReactions(ctx, e, msgID); err != nil {
		s.o.Hooks.notice("reaction failed to save")
		return fmt.Errorf("persist reactions: %w", err)
	}
	return nil
}

// persistReactions writes the message's current reaction set. Persists are
// serialized per session and always carry the set as of their turn, so two
// rapid toggles net out correctly regardless of resolution order.
func (s *Session) persistReactions(ctx context.Context, e uint64, msgID string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	if s.epoch != e {
		s.mu.Unlock()
		return nil
	}
	j := s.indexOfLocked(msgID)
	if j < 0 {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.entries[j].msg
	snapshot.Reactions = append([]models.Reaction(nil), s.entries[j].msg.Reactions...)
	s.mu.Unlock()

	return s.o.Store.UpdateMessage(ctx, snapshot)
}

// SendTyping broadcasts typing signals. A true signal goes out once per
// burst of keystrokes (rate-limited), and a false signal is scheduled
// after the idle interval, rescheduled on further input.
func (s *Session) SendTyping(typing bool) {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return
	}
	e := s.epoch
	if !typing {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		announce := s.typingActive
		s.typingActive = false
		s.announcePending = false
		s.mu.Unlock()
		if announce {
			s.publishTyping(false)
		}
		return
	}
	announce := !s.typingActive || s.announcePending
	s.typingActive = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.o.Clock.AfterFunc(s.o.Timings.TypingIdle, func() {
		s.typingIdle(e)
	})
	s.mu.Unlock()

	if !announce {
		return
	}
	if s.limiter.Allow() {
		s.mu.Lock()
		s.announcePending = false
		s.mu.Unlock()
		s.publishTyping(true)
	} else {
		// limiter denied the burst start; retry on the next keystroke
		s.mu.Lock()
		if s.typingActive {
			s.announcePending = true
		}
		s.mu.Unlock()
	}
}

func (s *Session) typingIdle(e uint64) {
	s.mu.Lock()
	if s.epoch != e || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.announcePending = false
	s.idleTimer = nil
	s.mu.Unlock()
	s.publishTyping(false)
}

func (s *Session) publishTyping(typing bool) {
	if s.o.Bus == nil {
		return
	}
	ev := models.TypingEvent{Room: s.o.Room.Key, UserID: s.o.User.ID, Typing: typing}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.o.Bus.Publish(s.o.Room.Key, b); err != nil {
		// best-effort channel; receivers expire stale indicators themselves
		logger.Debug("typing_publish_failed", "room", s.o.Room.Key.String(), "error", err)
	}
}

// onBroadcast handles typing payloads. Self-echo is ignored; the partner
// indicator auto-clears after the expiry window even when the matching
// false signal is lost.
func (s *Session) onBroadcast(e uint64, payload []byte) {
	var ev models.TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.UserID == s.o.User.ID {
		return
	}
	s.mu.Lock()
	if s.epoch != e || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	changed := s.partnerTyping != ev.Typing
	s.partnerTyping = ev.Typing
	if s.partnerTimer != nil {
		s.partnerTimer.Stop()
		s.partnerTimer = nil
	}
	if ev.Typing {
		s.partnerTimer = s.o.Clock.AfterFunc(s.o.Timings.PartnerExpiry, func() {
			s.partnerExpire(e)
		})
	}
	s.mu.Unlock()
	if changed {
		s.o.Hooks.partnerTyping(ev.Typing)
	}
}

func (s *Session) partnerExpire(e uint64) {
	s.mu.Lock()
	if s.epoch != e || !s.partnerTyping {
		s.mu.Unlock()
		return
	}
	s.partnerTyping = false
	s.partnerTimer = nil
	s.mu.Unlock()
	s.o.Hooks.partnerTyping(false)
}

// onFeedEvent handles row events for this room. The epoch captured at
// subscribe time guards against events delivered after a room switch.
func (s *Session) onFeedEvent(e uint64, ev backend.Event) {
	m, err := ev.Message()
	if err != nil {
		logger.Warn("feed_event_bad_row", "error", err)
		return
	}
	switch ev.Op {
	case backend.OpInsert:
		s.applyInsert(e, m, true)
	case backend.OpUpdate:
		s.applyUpdate(e, m)
	case backend.OpDelete:
		s.applyDelete(e, m.ID)
	}
}

// applyInsert adds a confirmed row to the log: dedupe by id first (the
// feed is at-least-once), then reconcile against a provisional entry,
// then plain sorted insert. Reactions toggled on the provisional entry
// while the send was in flight are merged into the confirmed row and
// persisted in the background.
func (s *Session) applyInsert(e uint64, m models.Message, fromFeed bool) {
	m.Provisional = false
	s.mu.Lock()
	if s.epoch != e || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	if s.indexOfLocked(m.ID) >= 0 {
		s.mu.Unlock()
		if fromFeed {
			metrics.DuplicatesDropped.Inc()
		}
		return
	}
	var needPersist bool
	if i, mode := matchProvisional(s.entries, m); i >= 0 {
		if extra := missingReactions(s.entries[i].msg.Reactions, m.Reactions); len(extra) > 0 {
			m.Reactions = append(m.Reactions, extra...)
			needPersist = true
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		metrics.Reconciles.WithLabelValues(mode).Inc()
	}
	s.insertLocked(m)
	s.mu.Unlock()
	if needPersist {
		go func() {
			if err := s.persistReactions(context.Background(), e, m.ID); err != nil {
				logger.Warn("merged_reactions_persist_failed", "msg", m.ID, "error", err)
			}
		}()
	}
	s.o.Hooks.change()
}

// applyUpdate replaces the matching row in place; rows outside the loaded
// window are ignored.
func (s *Session) applyUpdate(e uint64, m models.Message) {
	m.Provisional = false
	s.mu.Lock()
	if s.epoch != e || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	i := s.indexOfLocked(m.ID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	seq := s.entries[i].seq
	s.entries[i] = entry{msg: m, seq: seq}
	s.sortLocked()
	s.mu.Unlock()
	s.o.Hooks.change()
}

func (s *Session) applyDelete(e uint64, id string) {
	s.mu.Lock()
	if s.epoch != e || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	i := s.indexOfLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.mu.Unlock()
	s.o.Hooks.change()
}

// insertLocked places a message at its sorted position by (TS, seq).
func (s *Session) insertLocked(m models.Message) {
	s.seq++
	s.entries = append(s.entries, entry{msg: m, seq: s.seq})
	s.sortLocked()
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].msg.TS != s.entries[j].msg.TS {
			return s.entries[i].msg.TS < s.entries[j].msg.TS
		}
		return s.entries[i].seq < s.entries[j].seq
	})
}

func (s *Session) indexOfLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].msg.ID == id {
			return i
		}
	}
	return -1
}
