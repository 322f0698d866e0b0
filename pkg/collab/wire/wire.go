// Package wire defines the JSON messages exchanged over a collaboration
// channel. Both directions decode into a closed set of typed variants so a
// malformed or unknown event is rejected at decode time instead of being
// dispatched by name at runtime.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events sent by clients
const (
	EventJoinDocument   = "join-document"
	EventLeaveDocument  = "leave-document"
	EventContentChange  = "content-change"
	EventCursorPosition = "cursor-position"
)

// Events sent by the server
const (
	EventContentUpdate = "content-update"
	EventCursorUpdate  = "cursor-update"
	EventActiveUsers   = "active-users"
)

var (
	ErrUnknownEvent = errors.New("wire: unknown event")
	ErrMissingField = errors.New("wire: missing required field")
)

// Envelope wraps every message on the channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// User is one presence roster entry. One entry per connection: a user with
// two tabs open appears twice, and each leave removes exactly one entry.
type User struct {
	ID        string `json:"userId"`
	Nombre    string `json:"userNombre"`
	Iniciales string `json:"userIniciales"`
	Avatar    string `json:"userAvatar,omitempty"`
}

// Position is caret geometry in viewport pixels, relative to the sender's
// scrollable editing container at the moment of capture.
type Position struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Height    float64    `json:"height"`
	Selection *Selection `json:"selection,omitempty"`
}

// Selection carries one of two shapes: a bounding rectangle (preferred) or a
// pair of endpoint coordinates when range geometry was unavailable. Receivers
// must handle both.
type Selection struct {
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`

	FromX *float64 `json:"fromX,omitempty"`
	FromY *float64 `json:"fromY,omitempty"`
	ToX   *float64 `json:"toX,omitempty"`
	ToY   *float64 `json:"toY,omitempty"`
}

// IsRect reports whether the selection carries rectangle geometry.
func (s *Selection) IsRect() bool {
	return s != nil && s.X != nil && s.Y != nil && s.Width != nil && s.Height != nil
}

// IsSpan reports whether the selection carries endpoint-pair geometry.
func (s *Selection) IsSpan() bool {
	return s != nil && s.FromX != nil && s.FromY != nil && s.ToX != nil && s.ToY != nil
}

// Rect returns a rectangle selection as {x, y, width, height}.
func Rect(x, y, w, h float64) *Selection {
	return &Selection{X: &x, Y: &y, Width: &w, Height: &h}
}

// Span returns an endpoint-pair selection.
func Span(fromX, fromY, toX, toY float64) *Selection {
	return &Selection{FromX: &fromX, FromY: &fromY, ToX: &toX, ToY: &toY}
}

// ClientMessage is the closed set of messages a client may send.
type ClientMessage interface{ clientMessage() }

type JoinDocument struct {
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType"`
}

type LeaveDocument struct {
	DocumentID   string `json:"documentId"`
	DocumentType string `json:"documentType"`
}

type ContentChange struct {
	DocumentID   string          `json:"documentId"`
	DocumentType string          `json:"documentType"`
	Content      json.RawMessage `json:"content"`
}

type CursorPosition struct {
	DocumentID   string    `json:"documentId"`
	DocumentType string    `json:"documentType"`
	Position     *Position `json:"position"`
}

func (JoinDocument) clientMessage()   {}
func (LeaveDocument) clientMessage()  {}
func (ContentChange) clientMessage()  {}
func (CursorPosition) clientMessage() {}

// ServerMessage is the closed set of messages the server may push.
type ServerMessage interface{ serverMessage() }

type ContentUpdate struct {
	Content json.RawMessage `json:"content"`
}

type CursorUpdate struct {
	UserID    string    `json:"userId"`
	Nombre    string    `json:"userNombre"`
	Iniciales string    `json:"userIniciales"`
	Position  *Position `json:"position"`
}

type ActiveUsers struct {
	Users []User `json:"users"`
}

func (ContentUpdate) serverMessage() {}
func (CursorUpdate) serverMessage()  {}
func (ActiveUsers) serverMessage()   {}

// Encode wraps a payload in an envelope and marshals it.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeClient parses a message received from a client. Unknown events and
// messages missing their document address are rejected; callers drop them.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: bad envelope: %w", err)
	}

	switch env.Event {
	case EventJoinDocument:
		var m JoinDocument
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if m.DocumentID == "" {
			return nil, fmt.Errorf("wire: %s: documentId: %w", env.Event, ErrMissingField)
		}
		return m, nil

	case EventLeaveDocument:
		var m LeaveDocument
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if m.DocumentID == "" {
			return nil, fmt.Errorf("wire: %s: documentId: %w", env.Event, ErrMissingField)
		}
		return m, nil

	case EventContentChange:
		var m ContentChange
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if m.DocumentID == "" {
			return nil, fmt.Errorf("wire: %s: documentId: %w", env.Event, ErrMissingField)
		}
		if len(m.Content) == 0 {
			return nil, fmt.Errorf("wire: %s: content: %w", env.Event, ErrMissingField)
		}
		return m, nil

	case EventCursorPosition:
		var m CursorPosition
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if m.DocumentID == "" {
			return nil, fmt.Errorf("wire: %s: documentId: %w", env.Event, ErrMissingField)
		}
		if m.Position == nil {
			return nil, fmt.Errorf("wire: %s: position: %w", env.Event, ErrMissingField)
		}
		return m, nil
	}

	return nil, fmt.Errorf("wire: %q: %w", env.Event, ErrUnknownEvent)
}

// DecodeServer parses a message pushed by the server.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: bad envelope: %w", err)
	}

	switch env.Event {
	case EventContentUpdate:
		var m ContentUpdate
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if len(m.Content) == 0 {
			return nil, fmt.Errorf("wire: %s: content: %w", env.Event, ErrMissingField)
		}
		return m, nil

	case EventCursorUpdate:
		var m CursorUpdate
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		if m.UserID == "" || m.Position == nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, ErrMissingField)
		}
		return m, nil

	case EventActiveUsers:
		var m ActiveUsers
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Event, err)
		}
		return m, nil
	}

	return nil, fmt.Errorf("wire: %q: %w", env.Event, ErrUnknownEvent)
}
