package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Saver is the persistence boundary: replace a document's stored content with
// the given value, idempotently.
type Saver interface {
	Save(ctx context.Context, documentType, documentID string, content json.RawMessage) error
}

// SaveState drives the "saving / saved at / unsaved" indicator.
type SaveState int

const (
	SaveIdle SaveState = iota
	SavePending
	SaveSaving
)

func (s SaveState) String() string {
	switch s {
	case SaveIdle:
		return "idle"
	case SavePending:
		return "pending"
	case SaveSaving:
		return "saving"
	}
	return "unknown"
}

const defaultDebounce = 5 * time.Second

type AutosaveConfig struct {
	DocumentID   string
	DocumentType string
	Saver        Saver

	// Debounce is how long editing must pause before a save fires; each new
	// change restarts the window
	Debounce time.Duration

	// OnState observes scheduler transitions for the save indicator
	OnState func(state SaveState, lastSavedAt time.Time)
}

// Autosave decouples live editing from persistence. Edits mark the content
// dirty and (re)arm a debounce timer; the timer expiring, or a forced flush
// on teardown, persists the latest value. A failed save keeps the dirty flag
// so the next trigger retries.
//
// The data-loss window on an abrupt teardown is up to the debounce interval
// plus one write's latency; the forced flush narrows it, best effort only.
type Autosave struct {
	cfg AutosaveConfig

	mu          sync.Mutex
	dirty       bool
	gen         uint64
	content     json.RawMessage
	timer       *time.Timer
	state       SaveState
	lastSavedAt time.Time
}

func NewAutosave(cfg AutosaveConfig) *Autosave {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	return &Autosave{cfg: cfg}
}

// ContentChanged records the latest document value and restarts the debounce
// window. Bursts of changes collapse into one save of the final value.
func (a *Autosave) ContentChanged(content json.RawMessage) {
	a.mu.Lock()
	a.content = content
	a.dirty = true
	a.gen++
	a.state = SavePending
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.cfg.Debounce, func() {
		if err := a.Save(context.Background()); err != nil {
			log.Warn().Err(err).Str("doc", a.cfg.DocumentType+"/"+a.cfg.DocumentID).
				Msg("autosave failed, will retry on next trigger")
		}
	})
	lastSaved := a.lastSavedAt
	a.mu.Unlock()

	a.notify(SavePending, lastSaved)
}

// Save persists the current content if a change is pending; a clean scheduler
// is a no-op. On failure the dirty flag survives for the next trigger.
func (a *Autosave) Save(ctx context.Context) error {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	content := a.content
	gen := a.gen
	a.state = SaveSaving
	lastSaved := a.lastSavedAt
	a.mu.Unlock()

	a.notify(SaveSaving, lastSaved)

	err := a.cfg.Saver.Save(ctx, a.cfg.DocumentType, a.cfg.DocumentID, content)

	a.mu.Lock()
	if err != nil {
		a.state = SavePending
		lastSaved = a.lastSavedAt
		a.mu.Unlock()
		a.notify(SavePending, lastSaved)
		return err
	}

	a.lastSavedAt = time.Now()
	lastSaved = a.lastSavedAt
	if a.gen == gen {
		a.dirty = false
		a.state = SaveIdle
	} else {
		// content moved on while the write was in flight
		a.state = SavePending
	}
	state := a.state
	a.mu.Unlock()

	a.notify(state, lastSaved)
	return nil
}

// Flush is the forced-flush path for session teardown: persist now if
// anything is pending. Callers run it before leaving the room.
func (a *Autosave) Flush(ctx context.Context) error {
	return a.Save(ctx)
}

// Close stops the timer and flushes a pending change with a short deadline.
func (a *Autosave) Close() error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Flush(ctx)
}

// Dirty reports whether a change is pending persistence.
func (a *Autosave) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// LastSavedAt returns the time of the last successful save, zero if none.
func (a *Autosave) LastSavedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSavedAt
}

// State returns the scheduler's current phase.
func (a *Autosave) State() SaveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Autosave) notify(state SaveState, lastSavedAt time.Time) {
	if a.cfg.OnState != nil {
		a.cfg.OnState(state, lastSavedAt)
	}
}
