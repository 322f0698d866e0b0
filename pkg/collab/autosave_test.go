package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSaver struct {
	mu    sync.Mutex
	saves []json.RawMessage
	fail  bool
}

func (r *recordingSaver) Save(_ context.Context, _, _ string, content json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store unavailable")
	}
	r.saves = append(r.saves, content)
	return nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *recordingSaver) last() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return nil
	}
	return r.saves[len(r.saves)-1]
}

func (r *recordingSaver) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func newTestAutosave(saver Saver, debounce time.Duration) *Autosave {
	return NewAutosave(AutosaveConfig{
		DocumentID:   "42",
		DocumentType: "proyecto",
		Saver:        saver,
		Debounce:     debounce,
	})
}

func TestDebounceCollapsesBurstToOneSave(t *testing.T) {
	saver := &recordingSaver{}
	a := newTestAutosave(saver, 50*time.Millisecond)

	// changes spaced well under the debounce window
	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		content, _ := json.Marshal(map[string]string{"text": text})
		a.ContentChanged(content)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return saver.count() == 1 },
		time.Second, 5*time.Millisecond, "exactly one save once the stream pauses")

	assert.JSONEq(t, `{"text":"hello"}`, string(saver.last()), "the save carries the last value")
	assert.False(t, a.Dirty())
	assert.Equal(t, SaveIdle, a.State())
	assert.False(t, a.LastSavedAt().IsZero())
}

func TestSaveIsNoOpWhenClean(t *testing.T) {
	saver := &recordingSaver{}
	a := newTestAutosave(saver, time.Hour)

	require.NoError(t, a.Save(context.Background()))
	assert.Zero(t, saver.count(), "no pending change, no write")
}

func TestForcedFlushBeforeTeardown(t *testing.T) {
	saver := &recordingSaver{}
	a := newTestAutosave(saver, time.Hour)

	a.ContentChanged(json.RawMessage(`{"text":"unsaved"}`))
	require.True(t, a.Dirty())

	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, 1, saver.count(), "teardown must persist the pending change")
	assert.False(t, a.Dirty())
}

func TestFailedSaveKeepsDirtyForRetry(t *testing.T) {
	saver := &recordingSaver{}
	saver.setFail(true)
	a := newTestAutosave(saver, time.Hour)

	a.ContentChanged(json.RawMessage(`{"text":"x"}`))
	require.Error(t, a.Save(context.Background()))
	assert.True(t, a.Dirty(), "failure leaves the change pending")
	assert.True(t, a.LastSavedAt().IsZero())

	// next trigger retries, no backoff
	saver.setFail(false)
	require.NoError(t, a.Save(context.Background()))
	assert.Equal(t, 1, saver.count())
	assert.False(t, a.Dirty())
}

func TestChangeDuringSaveStaysPending(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	var saved json.RawMessage
	saver := saverFunc(func(_ context.Context, _, _ string, content json.RawMessage) error {
		close(started)
		<-block
		saved = content
		return nil
	})

	a := newTestAutosave(saver, time.Hour)
	a.ContentChanged(json.RawMessage(`{"rev":1}`))

	done := make(chan error, 1)
	go func() { done <- a.Save(context.Background()) }()

	<-started
	a.ContentChanged(json.RawMessage(`{"rev":2}`))
	close(block)
	require.NoError(t, <-done)

	assert.JSONEq(t, `{"rev":1}`, string(saved))
	assert.True(t, a.Dirty(), "a change landing mid-save must stay pending")
	assert.Equal(t, SavePending, a.State())
}

type saverFunc func(ctx context.Context, documentType, documentID string, content json.RawMessage) error

func (f saverFunc) Save(ctx context.Context, documentType, documentID string, content json.RawMessage) error {
	return f(ctx, documentType, documentID, content)
}

func TestCloseFlushesPendingChange(t *testing.T) {
	saver := &recordingSaver{}
	a := newTestAutosave(saver, time.Hour)

	a.ContentChanged(json.RawMessage(`{"text":"bye"}`))
	require.NoError(t, a.Close())
	assert.Equal(t, 1, saver.count())
}

func TestStateCallbackSequence(t *testing.T) {
	saver := &recordingSaver{}

	var mu sync.Mutex
	var states []SaveState
	a := NewAutosave(AutosaveConfig{
		DocumentID:   "42",
		DocumentType: "proyecto",
		Saver:        saver,
		Debounce:     time.Hour,
		OnState: func(state SaveState, _ time.Time) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	})

	a.ContentChanged(json.RawMessage(`{}`))
	require.NoError(t, a.Save(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SaveState{SavePending, SaveSaving, SaveIdle}, states)
}
