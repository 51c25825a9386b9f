package debounce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	writes []string
	keys   []string
	err    error
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 16)}
}

func (r *recorder) write(ctx context.Context, key string, payload string) error {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.writes = append(r.writes, payload)
	err := r.err
	r.mu.Unlock()
	r.done <- struct{}{}
	return err
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...), append([]string(nil), r.writes...)
}

func TestCoalescesBurstIntoOneWrite(t *testing.T) {
	rec := newRecorder()
	p := New[string](context.Background(), &Settings{Interval: 40 * time.Millisecond}, rec.write, nil)

	p.Schedule("K", "P1")
	p.Schedule("K", "P2")
	p.Schedule("K", "P3")
	assert.Equal(t, 1, p.Len())

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never fired")
	}
	// allow a stray second write to show up
	time.Sleep(100 * time.Millisecond)

	keys, writes := rec.snapshot()
	assert.Equal(t, []string{"K"}, keys)
	assert.Equal(t, []string{"P3"}, writes)
	assert.Equal(t, 0, p.Len())
}

func TestResetPushesDeadlineBack(t *testing.T) {
	rec := newRecorder()
	p := New[string](context.Background(), &Settings{Interval: 200 * time.Millisecond}, rec.write, nil)

	p.Schedule("K", "P1")
	time.Sleep(100 * time.Millisecond)
	p.Schedule("K", "P2")
	time.Sleep(100 * time.Millisecond)

	_, writes := rec.snapshot()
	assert.Empty(t, writes, "reset timer must not have fired yet")

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write never fired")
	}
	_, writes = rec.snapshot()
	assert.Equal(t, []string{"P2"}, writes)
}

func TestFlushAllWritesLatestPayloadPerKey(t *testing.T) {
	rec := newRecorder()
	p := New[string](context.Background(), &Settings{Interval: time.Hour}, rec.write, nil)

	p.Schedule("b", "b1")
	p.Schedule("a", "a1")
	p.Schedule("b", "b2")

	require.NoError(t, p.FlushAll(context.Background()))
	keys, writes := rec.snapshot()
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []string{"a1", "b2"}, writes)
	assert.Equal(t, 0, p.Len())

	require.NoError(t, p.FlushAll(context.Background()))
	_, writes = rec.snapshot()
	assert.Len(t, writes, 2)
}

func TestFlushAllSurfacesErrors(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("rejected")
	p := New[string](context.Background(), &Settings{Interval: time.Hour}, rec.write, nil)

	p.Schedule("a", "a1")
	err := p.FlushAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rec.err)

	// no automatic retry: nothing stays pending after a failure
	assert.Equal(t, 0, p.Len())
}

func TestTimerFailureGoesToErrorFunc(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("rejected")
	failed := make(chan string, 1)
	p := New[string](context.Background(), &Settings{Interval: 10 * time.Millisecond}, rec.write, func(key string, err error) {
		failed <- key
	})

	p.Schedule("K", "P1")
	select {
	case key := <-failed:
		assert.Equal(t, "K", key)
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never ran")
	}

	// the next mutation re-schedules a fresh attempt
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	p.Schedule("K", "P2")
	require.NoError(t, p.FlushAll(context.Background()))
	_, writes := rec.snapshot()
	assert.Equal(t, "P2", writes[len(writes)-1])
}

func TestCancel(t *testing.T) {
	rec := newRecorder()
	p := New[string](context.Background(), &Settings{Interval: time.Hour}, rec.write, nil)

	p.Schedule("K", "P1")
	payload, ok := p.Pending("K")
	require.True(t, ok)
	assert.Equal(t, "P1", payload)

	assert.True(t, p.Cancel("K"))
	assert.False(t, p.Cancel("K"))
	require.NoError(t, p.FlushAll(context.Background()))
	_, writes := rec.snapshot()
	assert.Empty(t, writes)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	rec := newRecorder()
	p := New[string](context.Background(), &Settings{Interval: time.Hour}, rec.write, nil)

	p.Schedule("K", "P1")
	require.NoError(t, p.Close(context.Background()))
	p.Schedule("K", "P2")
	assert.Equal(t, 0, p.Len())

	_, writes := rec.snapshot()
	assert.Equal(t, []string{"P1"}, writes)
}
