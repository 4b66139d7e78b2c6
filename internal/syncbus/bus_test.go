package syncbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaiola-hub-backend/internal/model"
	"gaiola-hub-backend/internal/store"
)

func TestBus_SubscribeByKind(t *testing.T) {
	b := New(nil)

	var slotEvents, all []Kind
	b.Subscribe(SlotChanged, func(e Event) { slotEvents = append(slotEvents, e.Kind) })
	unsubscribe := b.SubscribeAll(func(e Event) { all = append(all, e.Kind) })

	require.NoError(t, b.Publish(Event{Kind: AlertsCleared, SlotID: "1"}, Event{Kind: SlotChanged, SlotID: "1"}))
	unsubscribe()
	require.NoError(t, b.Publish(Event{Kind: DriverChanged}))

	assert.Equal(t, []Kind{SlotChanged}, slotEvents)
	assert.Equal(t, []Kind{AlertsCleared, SlotChanged}, all, "batch order is preserved")

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := New(nil)

	b.SubscribeAll(func(Event) { panic("boom") })
	var got int
	b.SubscribeAll(func(Event) { got++ })

	require.NoError(t, b.Publish(Event{Kind: SlotChanged}))
	assert.Equal(t, 1, got)
	assert.Equal(t, uint64(1), b.Stats().Panics)
}

func TestBus_Close(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(Event{Kind: SlotChanged}), ErrBusClosed)
}

func TestBus_BridgeForwardsOnlyForeignChanges(t *testing.T) {
	s := store.NewMemoryStore(nil)
	b := New(nil)

	var got []Event
	b.SubscribeAll(func(e Event) { got = append(got, e) })
	stop := b.Bridge(s, "tab-1", nil)

	_, err := s.PutSlot(store.WithOrigin(context.Background(), "tab-1"), model.Slot{ID: "1"})
	require.NoError(t, err)
	_, err = s.PutSlot(store.WithOrigin(context.Background(), "tab-2"), model.Slot{ID: "2"})
	require.NoError(t, err)
	_, err = s.PutDriver(context.Background(), model.Driver{ID: "A-1", Code: "A-1"})
	require.NoError(t, err)

	stop()
	_, err = s.PutSlot(context.Background(), model.Slot{ID: "3"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, SlotChanged, got[0].Kind)
	assert.Equal(t, "2", got[0].SlotID)
	assert.Equal(t, SourceExternal, got[0].Source)
	assert.Equal(t, DriverChanged, got[1].Kind)
	assert.Equal(t, "A-1", got[1].DriverCode)
}

func TestBus_BridgeUsesResolver(t *testing.T) {
	s := store.NewMemoryStore(nil)
	b := New(nil)

	var got []Event
	b.Subscribe(DelayRequestCreated, func(e Event) { got = append(got, e) })
	b.Bridge(s, "tab-1", func(c store.Change) []Event {
		if c.Collection != store.DelayRequests {
			return nil
		}
		return []Event{{Kind: DelayRequestCreated, RequestID: c.ID, Source: SourceExternal}}
	})

	require.NoError(t, s.PutDelayRequest(context.Background(), model.DelayRequest{RequestID: "r-1"}))
	require.Len(t, got, 1)
	assert.Equal(t, "r-1", got[0].RequestID)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("alerts_cleared")
	assert.True(t, ok)
	assert.Equal(t, AlertsCleared, k)

	_, ok = ParseKind("nope")
	assert.False(t, ok)
}
