package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/notepipeline/internal/api/handlers"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
)

// MockEventBus for testing
type MockEventBus struct {
	mu           sync.RWMutex
	subscribers  map[string][]chan *entities.NoteEvent
	published    []*entities.NoteEvent
	subscribeErr error
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		subscribers: make(map[string][]chan *entities.NoteEvent),
	}
}

func (m *MockEventBus) Publish(ctx context.Context, channel string, event *entities.NoteEvent) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	channels := append([]chan *entities.NoteEvent(nil), m.subscribers[channel]...)
	m.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (m *MockEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.NoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	ch := make(chan *entities.NoteEvent, 10)
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	return ch, nil
}

func (m *MockEventBus) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, channel)
	return nil
}

func (m *MockEventBus) Close() error {
	m.mu.Lock()
	subs := m.subscribers
	m.subscribers = make(map[string][]chan *entities.NoteEvent)
	m.mu.Unlock()
	for _, channels := range subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	return nil
}

func (m *MockEventBus) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[channel])
}

// runStream starts a handler in the background and returns a stop func that
// cancels the request and waits for the handler to exit.
func runStream(t *testing.T, handler http.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler(w, req)
		close(done)
	}()

	return w, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not exit after cancel")
		}
	}
}

func TestSSEHandler_StreamUserNotes(t *testing.T) {
	t.Run("establishes the stream", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/users/user-1/notes", nil)
		req.SetPathValue("id", "user-1")
		w, stop := runStream(t, handler.StreamUserNotes, req)

		require.Eventually(t, func() bool {
			return eventBus.SubscriberCount(providers.GetUserChannel("user-1")) == 1
		}, time.Second, 10*time.Millisecond)
		stop()

		result := w.Result()
		assert.Equal(t, "text/event-stream", result.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", result.Header.Get("Cache-Control"))
		assert.Contains(t, w.Body.String(), "event: connected")
		assert.Contains(t, w.Body.String(), `"user_id":"user-1"`)
	})

	t.Run("forwards note events for the user", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/users/user-2/notes", nil)
		req.SetPathValue("id", "user-2")
		w, stop := runStream(t, handler.StreamUserNotes, req)

		channel := providers.GetUserChannel("user-2")
		require.Eventually(t, func() bool {
			return eventBus.SubscriberCount(channel) == 1
		}, time.Second, 10*time.Millisecond)

		event := entities.NewNoteEvent("note-9", "user-2", entities.NoteEventTypeProcessed, map[string]interface{}{"tier": "standard"})
		require.NoError(t, eventBus.Publish(context.Background(), channel, event))

		time.Sleep(200 * time.Millisecond)
		stop()

		body := w.Body.String()
		assert.Contains(t, body, "event: note.processed")
		assert.Contains(t, body, `"note_id":"note-9"`)
	})

	t.Run("ignores other users", func(t *testing.T) {
		eventBus := NewMockEventBus()
		handler := handlers.NewSSEHandler(eventBus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/users/user-3/notes", nil)
		req.SetPathValue("id", "user-3")
		w, stop := runStream(t, handler.StreamUserNotes, req)

		require.Eventually(t, func() bool {
			return eventBus.SubscriberCount(providers.GetUserChannel("user-3")) == 1
		}, time.Second, 10*time.Millisecond)

		event := entities.NewNoteEvent("note-10", "user-4", entities.NoteEventTypeFailed, nil)
		require.NoError(t, eventBus.Publish(context.Background(), providers.GetUserChannel("user-4"), event))

		time.Sleep(100 * time.Millisecond)
		stop()

		assert.NotContains(t, w.Body.String(), "note-10")
	})

	t.Run("missing user ID", func(t *testing.T) {
		handler := handlers.NewSSEHandler(NewMockEventBus())

		req := httptest.NewRequest(http.MethodGet, "/api/stream/users//notes", nil)
		w := httptest.NewRecorder()
		handler.StreamUserNotes(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("subscribe failure", func(t *testing.T) {
		eventBus := NewMockEventBus()
		eventBus.subscribeErr = errors.New("redis down")
		handler := handlers.NewSSEHandler(eventBus)

		req := httptest.NewRequest(http.MethodGet, "/api/stream/users/user-5/notes", nil)
		req.SetPathValue("id", "user-5")
		w := httptest.NewRecorder()
		handler.StreamUserNotes(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 0, handler.GetClientCount())
	})
}

func TestSSEHandler_StreamAllNotes(t *testing.T) {
	eventBus := NewMockEventBus()
	handler := handlers.NewSSEHandler(eventBus)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/notes", nil)
	w, stop := runStream(t, handler.StreamAllNotes, req)

	require.Eventually(t, func() bool {
		return eventBus.SubscriberCount(providers.EventChannelNotes) == 1
	}, time.Second, 10*time.Millisecond)

	event := entities.NewNoteEvent("note-11", "user-1", entities.NoteEventTypeTranscribed, nil)
	require.NoError(t, eventBus.Publish(context.Background(), providers.EventChannelNotes, event))

	time.Sleep(200 * time.Millisecond)
	stop()

	assert.Contains(t, w.Body.String(), "event: note.transcribed")
}

func TestSSEHandler_ClientCount(t *testing.T) {
	eventBus := NewMockEventBus()
	handler := handlers.NewSSEHandler(eventBus)

	assert.Equal(t, 0, handler.GetClientCount())

	req := httptest.NewRequest(http.MethodGet, "/api/stream/users/user-1/notes", nil)
	req.SetPathValue("id", "user-1")
	_, stop := runStream(t, handler.StreamUserNotes, req)

	require.Eventually(t, func() bool {
		return handler.GetClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	stop()
	assert.Equal(t, 0, handler.GetClientCount())
}
