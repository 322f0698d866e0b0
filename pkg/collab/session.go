package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/pkg/collab/wire"
)

// Sender is the outbound half of a channel. Channel implements it; tests
// substitute a recorder.
type Sender interface {
	Send(event string, data any) error
}

// Editor is the local editing surface. ApplyRemoteContent replaces its entire
// structured value; the surface then fires its usual mutation event, which
// the session recognizes as an echo and does not re-broadcast.
type Editor interface {
	ApplyRemoteContent(content json.RawMessage)
}

// EditorFunc adapts a function to the Editor interface.
type EditorFunc func(content json.RawMessage)

func (f EditorFunc) ApplyRemoteContent(content json.RawMessage) { f(content) }

const defaultCursorThrottle = 50 * time.Millisecond

type SessionConfig struct {
	DocumentID   string
	DocumentType string

	Editor Editor

	// OnRoster receives each full roster snapshot after local state is
	// replaced
	OnRoster func(users []wire.User)

	// OnCursor receives each remote cursor upsert
	OnCursor func(cur wire.CursorUpdate)

	// CursorThrottle bounds cursor broadcasts to one per interval; events
	// inside the window are dropped, not queued
	CursorThrottle time.Duration

	// Autosave, when set, is marked dirty on every content mutation,
	// remote-applied ones included
	Autosave *Autosave
}

// Session is one user's membership in one document room. All remote applies
// run on the channel's read goroutine; the echo-suppression flag relies on
// that single-threaded apply, so HandleMessage must not be called
// concurrently with itself.
type Session struct {
	tr  Sender
	cfg SessionConfig

	mu             sync.Mutex
	applyingRemote bool
	joined         bool
	roster         []wire.User
	cursors        map[string]wire.CursorUpdate
	lastCursorAt   time.Time
}

func NewSession(tr Sender, cfg SessionConfig) *Session {
	if cfg.CursorThrottle <= 0 {
		cfg.CursorThrottle = defaultCursorThrottle
	}
	return &Session{
		tr:      tr,
		cfg:     cfg,
		cursors: make(map[string]wire.CursorUpdate),
	}
}

// Join enters the document room. The roster arrives asynchronously as an
// active-users push.
func (s *Session) Join() error {
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()

	return s.tr.Send(wire.EventJoinDocument, wire.JoinDocument{
		DocumentID:   s.cfg.DocumentID,
		DocumentType: s.cfg.DocumentType,
	})
}

// Leave exits the room. Part of every teardown path, before Disconnect.
func (s *Session) Leave() error {
	s.mu.Lock()
	s.joined = false
	s.mu.Unlock()

	return s.tr.Send(wire.EventLeaveDocument, wire.LeaveDocument{
		DocumentID:   s.cfg.DocumentID,
		DocumentType: s.cfg.DocumentType,
	})
}

// Rejoin re-runs the join handshake after a reconnect; membership does not
// survive a dropped channel.
func (s *Session) Rejoin() {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()

	if joined {
		if err := s.tr.Send(wire.EventJoinDocument, wire.JoinDocument{
			DocumentID:   s.cfg.DocumentID,
			DocumentType: s.cfg.DocumentType,
		}); err != nil {
			log.Warn().Err(err).Msg("rejoin failed")
		}
	}
}

// HandleMessage applies one server push.
func (s *Session) HandleMessage(msg wire.ServerMessage) {
	switch m := msg.(type) {
	case wire.ContentUpdate:
		s.mu.Lock()
		s.applyingRemote = true
		s.mu.Unlock()

		if s.cfg.Editor != nil {
			s.cfg.Editor.ApplyRemoteContent(m.Content)
		}

		s.mu.Lock()
		s.applyingRemote = false
		s.mu.Unlock()

		// a remote mutation still needs persisting by someone; whichever
		// session's debounce fires first wins, redundant saves are harmless
		if s.cfg.Autosave != nil {
			s.cfg.Autosave.ContentChanged(m.Content)
		}

	case wire.CursorUpdate:
		s.mu.Lock()
		s.cursors[m.UserID] = m
		s.mu.Unlock()

		if s.cfg.OnCursor != nil {
			s.cfg.OnCursor(m)
		}

	case wire.ActiveUsers:
		s.mu.Lock()
		s.roster = m.Users
		present := make(map[string]bool, len(m.Users))
		for _, u := range m.Users {
			present[u.ID] = true
		}
		for userID := range s.cursors {
			if !present[userID] {
				delete(s.cursors, userID)
			}
		}
		s.mu.Unlock()

		if s.cfg.OnRoster != nil {
			s.cfg.OnRoster(m.Users)
		}
	}
}

// LocalContentChanged is fired by the embedding surface on every mutation of
// its structured value. Locally authored changes are broadcast; the echo of a
// just-applied remote update is not.
func (s *Session) LocalContentChanged(content json.RawMessage) {
	s.mu.Lock()
	echo := s.applyingRemote
	s.mu.Unlock()
	if echo {
		return
	}

	if s.cfg.Autosave != nil {
		s.cfg.Autosave.ContentChanged(content)
	}

	if err := s.tr.Send(wire.EventContentChange, wire.ContentChange{
		DocumentID:   s.cfg.DocumentID,
		DocumentType: s.cfg.DocumentType,
		Content:      content,
	}); err != nil {
		log.Debug().Err(err).Msg("content broadcast dropped")
	}
}

// LocalSelectionChanged broadcasts caret geometry, at most once per throttle
// interval. Excess events inside the window are dropped.
func (s *Session) LocalSelectionChanged(pos wire.Position) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastCursorAt) < s.cfg.CursorThrottle {
		s.mu.Unlock()
		return
	}
	s.lastCursorAt = now
	s.mu.Unlock()

	if err := s.tr.Send(wire.EventCursorPosition, wire.CursorPosition{
		DocumentID:   s.cfg.DocumentID,
		DocumentType: s.cfg.DocumentType,
		Position:     &pos,
	}); err != nil {
		log.Debug().Err(err).Msg("cursor broadcast dropped")
	}
}

// Roster returns the last received presence snapshot.
func (s *Session) Roster() []wire.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.User, len(s.roster))
	copy(out, s.roster)
	return out
}

// CursorFor returns the cached cursor of a remote user.
func (s *Session) CursorFor(userID string) (wire.CursorUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[userID]
	return cur, ok
}

// Cursors returns all cached remote cursors.
func (s *Session) Cursors() []wire.CursorUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.CursorUpdate, 0, len(s.cursors))
	for _, cur := range s.cursors {
		out = append(out, cur)
	}
	return out
}

// ClearCursors drops every cached remote cursor, used when the channel
// disconnects.
func (s *Session) ClearCursors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]wire.CursorUpdate)
}

// ScrollToUser computes the scroll offset that centers a remote user's cached
// caret in the viewport, given the receiver's current scroll offset. The
// cached y was captured relative to the sender's scroll state at broadcast
// time, so this is an approximation, not a precise projection.
func (s *Session) ScrollToUser(userID string, viewportHeight, scrollTop float64) (float64, bool) {
	cur, ok := s.CursorFor(userID)
	if !ok || cur.Position == nil {
		return 0, false
	}

	target := cur.Position.Y + scrollTop - viewportHeight/2
	if target < 0 {
		target = 0
	}
	return target, true
}

// Bind wires a session to its channel: server pushes flow into HandleMessage,
// every reconnect re-runs the join handshake, and remote cursors are cleared
// whenever the channel leaves the connected state.
//
// Bind must run before Connect. It swaps the channel's callbacks without
// locking, and a connected channel's read loop reads them concurrently.
func Bind(ch *Channel, s *Session) {
	userState := ch.cfg.OnState

	ch.cfg.OnMessage = s.HandleMessage
	ch.cfg.OnConnect = s.Rejoin
	ch.cfg.OnState = func(st State) {
		if st != StateConnected {
			s.ClearCursors()
		}
		if userState != nil {
			userState(st)
		}
	}
}
