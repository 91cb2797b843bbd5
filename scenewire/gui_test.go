package scenewire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"scenewire.org/scenewire/protocol"
)

func TestControlRegisterAndSetValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(ctx)
	defer store.Close()

	slider, err := store.RegisterControl(
		"/gui/slider", "", ControlKindSlider, protocol.Float(0.5), protocol.Attributes{
			"min": protocol.Float(0),
			"max": protocol.Float(1),
		})
	assert.Equal(t, err, nil)

	value, err := slider.Value()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Float, 0.5)

	err = slider.SetValue(protocol.Float(0.75))
	assert.Equal(t, err, nil)
	value, _ = slider.Value()
	assert.Equal(t, value.Float, 0.75)

	// the value type tag is fixed at registration
	err = slider.SetValue(protocol.String("nope"))
	assert.Equal(t, errors.Is(err, ErrControlType), true)
	value, _ = slider.Value()
	assert.Equal(t, value.Float, 0.75)

	// controls appear in the snapshot with their current value
	snapshot, _ := store.Snapshot()
	assert.Equal(t, len(snapshot), 1)
	assert.Equal(t, snapshot[0].Kind, protocol.NodeKindControl)
	assert.Equal(t, snapshot[0].Attributes["value"].Float, 0.75)
	assert.Equal(t, snapshot[0].Attributes["control"].Str, string(ControlKindSlider))

	// a non-control node rejects the control value surface
	store.CreateNode("/plain", "", protocol.NodeKindTransform, nil)
	err = store.SetControlValue("/plain", protocol.Float(1))
	assert.Equal(t, errors.Is(err, ErrControlType), true)
}

func TestControlCallbackDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(ctx)
	defer store.Close()

	slider, err := store.RegisterControl(
		"/gui/slider", "", ControlKindSlider, protocol.Float(0), nil)
	assert.Equal(t, err, nil)

	events := make(chan *ControlValueEvent, 16)
	unregister, err := slider.OnValue(func(event *ControlValueEvent) {
		events <- event
	})
	assert.Equal(t, err, nil)

	originSessionId := NewId()
	for i := 0; i < 3; i += 1 {
		err := store.ApplyClientValue("/gui/slider", protocol.Float(float64(i)), originSessionId)
		assert.Equal(t, err, nil)
	}

	// exactly one callback per applied event, in apply order
	for i := 0; i < 3; i += 1 {
		select {
		case event := <-events:
			assert.Equal(t, event.Identifier, "/gui/slider")
			assert.Equal(t, event.Value.Float, float64(i))
			assert.Equal(t, event.Origin, protocol.ValueOriginClient)
			assert.Equal(t, event.SessionId, originSessionId)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for callback")
		}
	}

	// server-side writes do not fire inbound callbacks
	err = slider.SetValue(protocol.Float(9))
	assert.Equal(t, err, nil)

	// released registrations stop firing
	unregister()
	err = store.ApplyClientValue("/gui/slider", protocol.Float(10), originSessionId)
	assert.Equal(t, err, nil)

	select {
	case event := <-events:
		t.Fatalf("unexpected callback: %v", event)
	case <-time.After(200 * time.Millisecond):
	}

	value, _ := slider.Value()
	assert.Equal(t, value.Float, float64(10))
}

func TestControlCallbackPanicIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(ctx)
	defer store.Close()

	slider, _ := store.RegisterControl(
		"/gui/slider", "", ControlKindSlider, protocol.Float(0), nil)

	events := make(chan float64, 16)
	slider.OnValue(func(event *ControlValueEvent) {
		panic("callback bug")
	})
	slider.OnValue(func(event *ControlValueEvent) {
		events <- event.Value.Float
	})

	// the raising callback is caught; later callbacks and later events
	// still fire, and the store stays consistent
	for i := 0; i < 3; i += 1 {
		err := store.ApplyClientValue("/gui/slider", protocol.Float(float64(i)), NewId())
		assert.Equal(t, err, nil)
	}
	for i := 0; i < 3; i += 1 {
		select {
		case value := <-events:
			assert.Equal(t, value, float64(i))
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for callback")
		}
	}

	value, _ := slider.Value()
	assert.Equal(t, value.Float, float64(2))
}

func TestControlStateProvenance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(ctx)
	defer store.Close()

	slider, err := store.RegisterControl(
		"/gui/slider", "", ControlKindSlider, protocol.Float(0), nil)
	assert.Equal(t, err, nil)

	// the default value was never written
	state, err := store.ControlState("/gui/slider")
	assert.Equal(t, err, nil)
	assert.Equal(t, state, ControlStateIdle)

	err = slider.SetValue(protocol.Float(1))
	assert.Equal(t, err, nil)
	state, _ = store.ControlState("/gui/slider")
	assert.Equal(t, state, ControlStateServerSet)

	err = store.ApplyClientValue("/gui/slider", protocol.Float(2), NewId())
	assert.Equal(t, err, nil)
	state, _ = store.ControlState("/gui/slider")
	assert.Equal(t, state, ControlStateClientSet)

	// a rejected write does not change the provenance
	err = slider.SetValue(protocol.String("nope"))
	assert.Equal(t, errors.Is(err, ErrControlType), true)
	state, _ = store.ControlState("/gui/slider")
	assert.Equal(t, state, ControlStateClientSet)

	err = slider.SetValue(protocol.Float(3))
	assert.Equal(t, err, nil)
	state, _ = store.ControlState("/gui/slider")
	assert.Equal(t, state, ControlStateServerSet)
}

func TestControlClientValueTypeMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(ctx)
	defer store.Close()

	checkbox, _ := store.RegisterControl(
		"/gui/check", "", ControlKindCheckbox, protocol.Bool(false), nil)

	err := store.ApplyClientValue("/gui/check", protocol.Int(3), NewId())
	assert.Equal(t, errors.Is(err, ErrControlType), true)

	value, _ := checkbox.Value()
	assert.Equal(t, value.Bool, false)

	err = store.ApplyClientValue("/gui/missing", protocol.Bool(true), NewId())
	assert.Equal(t, errors.Is(err, ErrUnknownIdentifier), true)
}
