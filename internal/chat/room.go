package chat

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/espresso-chat/internal/metrics"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

// Options tunes every room a Manager creates.
type Options struct {
	HistoryLimit int
	SendBuffer   int
	// RecordPresence persists join/leave messages and keeps them in history.
	RecordPresence bool
}

type openRequest struct {
	ctx     context.Context
	session *Session
	reply   chan error
}

// inbound carries a frame or, with disconnect set, a transport close.
// Both share one queue so a session's close never overtakes its frames.
type inbound struct {
	sessionID  string
	data       []byte
	disconnect bool
}

// Room is the single-writer actor of one conversation. All of its state is
// owned by the Start loop; other goroutines reach it through channels.
type Room struct {
	id   ChatID
	dir  store.Directory
	msgs store.MessageStore
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessions map[string]*Session
	presence presenceMap
	history  *History
	roster   roster
	entropy  io.Reader
	lastTs   int64
	lastID   string

	openChan     chan *openRequest
	inboundChan  chan *inbound
	presenceChan chan chan []Presence
	stopChan     chan struct{}
	done         chan struct{}
	stopOnce     sync.Once

	// evict is called from the loop when the last session leaves; the
	// loop exits right after.
	evict func(*Room)
}

// NewRoom builds an actor for id. Call Start to run it.
func NewRoom(id ChatID, dir store.Directory, msgs store.MessageStore, opts Options, log zerolog.Logger) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With().Str("chat_id", id.String()).Logger()
	return &Room{
		id:           id,
		dir:          dir,
		msgs:         msgs,
		opts:         opts,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     map[string]*Session{},
		presence:     presenceMap{},
		history:      NewHistory(opts.HistoryLimit),
		roster:       newRoster(id, dir, log),
		entropy:      ulid.Monotonic(rand.Reader, 0),
		openChan:     make(chan *openRequest),
		inboundChan:  make(chan *inbound, 64),
		presenceChan: make(chan chan []Presence),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (r *Room) ID() ChatID { return r.id }

// Start runs the event loop until Stop or eviction.
func (r *Room) Start() {
	metrics.ActiveRooms.Inc()
	defer func() {
		r.shutdown()
		metrics.ActiveRooms.Dec()
		close(r.done)
	}()

	for {
		select {
		case <-r.stopChan:
			return
		case req := <-r.openChan:
			req.reply <- r.safeOpen(req.ctx, req.session)
		case in := <-r.inboundChan:
			if in.disconnect {
				r.safely(func() { r.handleDisconnect(in.sessionID) })
			} else {
				r.safely(func() { r.handleFrame(in.sessionID, in.data) })
			}
		case reply := <-r.presenceChan:
			reply <- r.presence.snapshot()
			continue
		}

		if r.evict != nil && len(r.sessions) == 0 {
			r.evict(r)
			return
		}
	}
}

// Stop asks the loop to exit. It does not wait; use Wait for that.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Wait blocks until the loop has exited.
func (r *Room) Wait() {
	<-r.done
}

// Open admits s: authorization, history replay, then fan-out membership.
func (r *Room) Open(ctx context.Context, s *Session) error {
	req := &openRequest{ctx: ctx, session: s, reply: make(chan error, 1)}
	select {
	case r.openChan <- req:
	case <-r.done:
		return ErrRoomClosed
	}
	return <-req.reply
}

// Dispatch queues an inbound frame from sessionID.
func (r *Room) Dispatch(sessionID string, data []byte) {
	select {
	case r.inboundChan <- &inbound{sessionID: sessionID, data: data}:
	case <-r.done:
	}
}

// Disconnect handles a transport close or error. Safe to call repeatedly.
func (r *Room) Disconnect(sessionID string) {
	select {
	case r.inboundChan <- &inbound{sessionID: sessionID, disconnect: true}:
	case <-r.done:
	}
}

// Presence returns the presence map of the room.
func (r *Room) Presence(ctx context.Context) ([]Presence, error) {
	reply := make(chan []Presence, 1)
	select {
	case r.presenceChan <- reply:
	case <-r.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

// safely keeps a failing handler from taking the loop down with it.
func (r *Room) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("room handler panicked")
		}
	}()
	fn()
}

func (r *Room) safeOpen(ctx context.Context, s *Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("open panicked")
			err = fmt.Errorf("open: %v", p)
		}
	}()
	return r.handleOpen(ctx, s)
}

func (r *Room) handleOpen(ctx context.Context, s *Session) error {
	if err := r.roster.admit(ctx, s.UserID); err != nil {
		return err
	}
	if err := r.ensureHistory(ctx); err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	// Replay is queued before the session joins the fan-out set, so no
	// broadcast can land in the middle of it.
	for _, m := range r.history.Messages() {
		if !s.enqueue(EventFromMessage(m).encode()) {
			return fmt.Errorf("replay of %d messages does not fit a send buffer of %d", r.history.Len(), cap(s.Send))
		}
	}

	now := time.Now()
	s.lastActive = now
	r.sessions[s.ID] = s
	r.presence.online(s.UserID, now)
	metrics.LiveSessions.Inc()
	metrics.SessionsOpened.WithLabelValues(string(r.id.Kind())).Inc()

	r.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Int("replayed", r.history.Len()).Msg("session opened")

	joined := r.presenceMessage(store.KindUserJoined, s.UserID, now)
	r.broadcast(EventFromMessage(joined), s.ID)
	return nil
}

func (r *Room) handleFrame(sessionID string, data []byte) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	now := time.Now()
	s.lastActive = now
	r.presence.touch(s.UserID, now)

	action, err := ParseAction(data)
	if err != nil {
		var ierr *InputError
		if !errors.As(err, &ierr) {
			ierr = inputErr(CodeMalformedFrame, "%v", err)
		}
		r.reject(s, ierr)
		return
	}
	if target := action.target(); target != "" && target != r.id.String() {
		r.reject(s, inputErr(CodeChatMismatch, "frame addressed to %s", target))
		return
	}

	switch a := action.(type) {
	case SendMessage:
		r.handleSend(s, a)
	case JoinChat:
		// joining happened in Open
	case LeaveChat:
		r.handleLeave(s)
	case UnknownAction:
		r.reject(s, inputErr(CodeUnknownAction, "unrecognized action %q", a.Tag))
	}
}

func (r *Room) handleSend(s *Session, a SendMessage) {
	if a.MessageType != "" && a.MessageType != string(store.KindText) {
		r.reject(s, inputErr(CodeUnsupportedType, "unsupported message type %q", a.MessageType))
		return
	}
	content, ierr := ValidateContent(a.Content)
	if ierr != nil {
		r.reject(s, ierr)
		return
	}
	if err := r.ensureHistory(r.ctx); err != nil {
		r.log.Error().Err(err).Msg("send: history unavailable")
		r.reject(s, inputErr(CodeHistoryUnavailable, "chat history is unavailable"))
		return
	}

	msg := r.newMessage(store.KindText, s.UserID, r.displayName(s.UserID), content, time.Now())

	// Nothing is broadcast unless it was stored first.
	start := time.Now()
	err := r.msgs.PutMessage(r.ctx, r.id.String(), msg)
	metrics.ObserveStore("put_message", start)
	if err != nil {
		metrics.PersistFailures.Inc()
		r.log.Error().Err(err).Str("user_id", s.UserID).Msg("send: persist failed")
		r.reject(s, inputErr(CodePersistFailed, "message could not be saved"))
		return
	}
	metrics.MessagesPersisted.WithLabelValues(string(r.id.Kind())).Inc()

	r.history.Append(msg)
	r.broadcast(EventFromMessage(msg), "")
}

func (r *Room) handleLeave(s *Session) {
	if ierr := r.roster.leave(r.ctx, s.UserID); ierr != nil {
		r.reject(s, ierr)
		return
	}

	if r.id.Kind() == RoomGroup {
		// membership is revoked, so every session of the user goes
		for _, other := range r.sessions {
			if other.UserID == s.UserID {
				r.removeSession(other)
			}
		}
	} else {
		r.removeSession(s)
	}
	r.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("user left chat")
	r.announceLeft(s.UserID)
}

func (r *Room) handleDisconnect(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	r.removeSession(s)
	r.log.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session closed")
	r.announceLeft(s.UserID)
}

// removeSession drops s from the fan-out set and closes it.
func (r *Room) removeSession(s *Session) {
	delete(r.sessions, s.ID)
	s.close()
	metrics.LiveSessions.Dec()
	if !r.hasSessionFor(s.UserID) {
		r.presence.offline(s.UserID, time.Now())
	}
}

func (r *Room) announceLeft(userID string) {
	left := r.presenceMessage(store.KindUserLeft, userID, time.Now())
	r.broadcast(EventFromMessage(left), "")
}

func (r *Room) hasSessionFor(userID string) bool {
	for _, s := range r.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// broadcast queues ev on every live session except exclude. Sessions that
// cannot keep up are disconnected rather than silently skipped.
func (r *Room) broadcast(ev Event, exclude string) {
	data := ev.encode()
	var slow []*Session
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if !s.enqueue(data) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		if _, ok := r.sessions[s.ID]; !ok {
			continue
		}
		r.log.Warn().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("send buffer full, dropping session")
		r.removeSession(s)
		r.announceLeft(s.UserID)
	}
}

func (r *Room) reject(s *Session, ierr *InputError) {
	metrics.ClientErrors.WithLabelValues(ierr.Code).Inc()
	r.log.Debug().Str("session_id", s.ID).Str("code", ierr.Code).Msg(ierr.Msg)
	if !s.enqueue(errorEvent(r.id.String(), ierr, time.Now().UnixMilli()).encode()) {
		r.removeSession(s)
		r.announceLeft(s.UserID)
	}
}

// ensureHistory loads the buffer from storage on first use.
func (r *Room) ensureHistory(ctx context.Context) error {
	if r.history.Loaded() {
		return nil
	}
	start := time.Now()
	msgs, err := r.msgs.ListMessages(ctx, r.id.String(), r.opts.HistoryLimit)
	metrics.ObserveStore("list_messages", start)
	if err != nil {
		return err
	}
	r.history.Hydrate(msgs)
	if newest, ok := r.history.Newest(); ok && newest.Timestamp >= r.lastTs {
		r.lastTs, r.lastID = newest.Timestamp, newest.ID
	}
	return nil
}

// displayName resolves userID at send time, falling back to the raw id.
func (r *Room) displayName(userID string) string {
	start := time.Now()
	u, err := r.dir.GetUser(r.ctx, userID)
	metrics.ObserveStore("get_user", start)
	if err != nil || u.DisplayName == "" {
		if err != nil {
			r.log.Debug().Err(err).Str("user_id", userID).Msg("display name unresolved")
		}
		return userID
	}
	return u.DisplayName
}

// newMessage assigns a server timestamp that never precedes the newest
// message and a ULID drawn from the room's monotonic source.
func (r *Room) newMessage(kind store.Kind, senderID, senderName, content string, now time.Time) store.Message {
	ts := now.UnixMilli()
	if ts < r.lastTs {
		ts = r.lastTs
	}
	id := ulid.MustNew(uint64(ts), r.entropy).String()
	if id <= r.lastID {
		// same millisecond as a message from an earlier actor instance
		ts++
		id = ulid.MustNew(uint64(ts), r.entropy).String()
	}
	r.lastTs, r.lastID = ts, id
	return store.Message{
		ID:             id,
		ConversationID: r.id.String(),
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		Kind:           kind,
		Timestamp:      ts,
	}
}

// presenceMessage builds a join/leave message, storing it when the room
// records presence.
func (r *Room) presenceMessage(kind store.Kind, userID string, now time.Time) store.Message {
	name := r.displayName(userID)
	verb := "joined"
	if kind == store.KindUserLeft {
		verb = "left"
	}
	msg := r.newMessage(kind, userID, name, name+" "+verb, now)
	if !r.opts.RecordPresence {
		return msg
	}

	if err := r.msgs.PutMessage(r.ctx, r.id.String(), msg); err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("presence message not stored")
		return msg
	}
	r.history.Append(msg)
	return msg
}

func (r *Room) shutdown() {
	for _, s := range r.sessions {
		delete(r.sessions, s.ID)
		s.close()
		metrics.LiveSessions.Dec()
	}
	r.cancel()
}
