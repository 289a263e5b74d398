package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

func newTestBus(t *testing.T) (*Bus, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	bus, err := NewBus(rdb, "poster-events", NewHub())
	require.NoError(t, err)
	return bus, func() {
		_ = bus.Close()
		mr.Close()
	}
}

func TestBus_PublishReachesLocalSubscriberThroughForwarder(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.StartForwarder(ctx))

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	require.NoError(t, bus.Publish(ctx, domain.NewStatusEvent("job-1", domain.JobQueued, "queued")))

	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventStatus, ev.Name)
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, "queued", ev.Payload["message"])
	case <-time.After(2 * time.Second):
		t.Fatal("event did not round-trip through redis")
	}
}

func TestBus_MalformedPayloadIsSkipped(t *testing.T) {
	bus, cleanup := newTestBus(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.StartForwarder(ctx))

	ch, unsub := bus.Subscribe("job-1")
	defer unsub()

	require.NoError(t, bus.rdb.Publish(ctx, "poster-events", "not json").Err())
	require.NoError(t, bus.Publish(ctx, domain.NewHeartbeatEvent("job-1")))

	select {
	case ev := <-ch:
		assert.Equal(t, domain.EventHeartbeat, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder stalled on malformed payload")
	}
}

func TestNewBus_Validation(t *testing.T) {
	_, err := NewBus(nil, "ch", NewHub())
	require.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	_, err = NewBus(rdb, "", NewHub())
	require.Error(t, err)
	_, err = NewBus(rdb, "ch", nil)
	require.Error(t, err)
}
