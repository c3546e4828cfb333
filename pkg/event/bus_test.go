package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrder(t *testing.T) {
	bus := NewBus()
	var order []string

	record := func(name string) Handler {
		return func(e *Event) error {
			order = append(order, name)
			return nil
		}
	}
	_, err := bus.Subscribe(record("first"), EventDownloadProgress)
	require.NoError(t, err)
	_, err = bus.Subscribe(record("second"), EventDownloadProgress, EventUpgradeProgress)
	require.NoError(t, err)
	_, err = bus.SubscribeWithPriority(record("urgent"), 10, EventDownloadProgress)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewEvent(EventDownloadProgress, "test", 5)))
	assert.Equal(t, []string{"urgent", "first", "second"}, order)

	order = nil
	require.NoError(t, bus.Publish(NewEvent(EventUpgradeProgress, "test", nil)))
	assert.Equal(t, []string{"second"}, order)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	id, err := bus.Subscribe(func(e *Event) error {
		calls++
		return nil
	}, EventCheckVersionDone, EventDownloadProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount(EventCheckVersionDone))

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.SubscriberCount(EventCheckVersionDone))
	assert.Equal(t, 0, bus.SubscriberCount(EventDownloadProgress))

	require.NoError(t, bus.Publish(NewEvent(EventCheckVersionDone, "test", nil)))
	assert.Zero(t, calls)
}

func TestPublishCollectsErrors(t *testing.T) {
	bus := NewBus()
	reached := false
	_, err := bus.Subscribe(func(e *Event) error { return errors.New("boom") }, EventUpgradeProgress)
	require.NoError(t, err)
	_, err = bus.Subscribe(func(e *Event) error { panic("bad listener") }, EventUpgradeProgress)
	require.NoError(t, err)
	_, err = bus.Subscribe(func(e *Event) error {
		reached = true
		return nil
	}, EventUpgradeProgress)
	require.NoError(t, err)

	err = bus.Publish(NewEvent(EventUpgradeProgress, "test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "handler panic")
	assert.True(t, reached)
}

func TestSubscribeValidation(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe(nil, EventUpgradeProgress)
	assert.Error(t, err)
	_, err = bus.Subscribe(func(*Event) error { return nil })
	assert.Error(t, err)
	assert.Error(t, bus.Publish(nil))

	bus.Clear()
	assert.Equal(t, 0, bus.SubscriberCount(EventUpgradeProgress))
}
