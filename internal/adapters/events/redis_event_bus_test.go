package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	redisclient "github.com/zatekoja/notepipeline/internal/infrastructure/clients/redis"
)

func newRedisBus(t *testing.T) (*miniredis.Miniredis, providers.EventBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisEventBus(redisclient.NewClientFromRedis(rdb))
	t.Cleanup(func() {
		bus.Close()
		rdb.Close()
	})
	return mr, bus
}

func subscribed(t *testing.T, mr *miniredis.Miniredis, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] > 0
	}, time.Second, 5*time.Millisecond)
}

// drain counts events arriving on ch until quiet passes without one.
func drain(ch <-chan *entities.NoteEvent, quiet time.Duration) []*entities.NoteEvent {
	var got []*entities.NoteEvent
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-time.After(quiet):
			return got
		}
	}
}

func TestRedisEventBus_DeliversToSubscribers(t *testing.T) {
	mr, bus := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, providers.EventChannelNotes)
	require.NoError(t, err)
	subscribed(t, mr, providers.EventChannelNotes)

	event := entities.NewNoteEvent("note-1", "user-1", entities.NoteEventTypeProcessed, map[string]interface{}{"tier": "simple"})
	require.NoError(t, bus.Publish(ctx, providers.EventChannelNotes, event))

	select {
	case got := <-ch:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "note-1", got.NoteID)
		assert.Equal(t, entities.NoteEventTypeProcessed, got.EventType)
		assert.Equal(t, "simple", got.Details["tier"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRedisEventBus_PublishesOnlyToNamedChannel(t *testing.T) {
	mr, bus := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userChannel := providers.GetUserChannel("user-1")
	global, err := bus.Subscribe(ctx, providers.EventChannelNotes)
	require.NoError(t, err)
	user, err := bus.Subscribe(ctx, userChannel)
	require.NoError(t, err)
	subscribed(t, mr, providers.EventChannelNotes)
	subscribed(t, mr, userChannel)

	// The coordinator publishes one event to each channel.
	event := entities.NewNoteEvent("note-1", "user-1", entities.NoteEventTypeTranscribed, nil)
	require.NoError(t, bus.Publish(ctx, providers.EventChannelNotes, event))
	require.NoError(t, bus.Publish(ctx, userChannel, event))

	assert.Len(t, drain(global, 200*time.Millisecond), 1)
	assert.Len(t, drain(user, 200*time.Millisecond), 1)
}

func TestRedisEventBus_SubscriberChannelClosesWithContext(t *testing.T) {
	mr, bus := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, providers.EventChannelNotes)
	require.NoError(t, err)
	subscribed(t, mr, providers.EventChannelNotes)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel was not closed")
	}
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(providers.EventChannelNotes)[providers.EventChannelNotes] == 0
	}, time.Second, 5*time.Millisecond)
}
