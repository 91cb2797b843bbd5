package scenewire

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"scenewire.org/scenewire/protocol"
)

// GUI controls are scene nodes with a bidirectionally settable value.
// the producer pushes values through the normal store/broadcast path;
// inbound client values are applied last-writer-wins, re-broadcast to every
// other session, and dispatched to registered callbacks off the broadcast
// critical section.

// the control's current value lives in this node attribute, so bootstrap
// snapshots carry it for free
const controlValueAttr = "value"

// attribute naming the control widget, e.g. "slider"
const controlKindAttr = "control"

type ControlKind string

const (
	ControlKindButton   ControlKind = "button"
	ControlKindCheckbox ControlKind = "checkbox"
	ControlKindSlider   ControlKind = "slider"
	ControlKindText     ControlKind = "text"
	ControlKindNumber   ControlKind = "number"
	ControlKindVector3  ControlKind = "vector3"
	ControlKindRgb      ControlKind = "rgb"
	ControlKindDropdown ControlKind = "dropdown"
	ControlKindFolder   ControlKind = "folder"
)

// ControlState records which side wrote the control's current value.
type ControlState int

const (
	// the default value, never written
	ControlStateIdle ControlState = 0
	// last written by the producer
	ControlStateServerSet ControlState = 1
	// last written by a connected client
	ControlStateClientSet ControlState = 2
)

type ControlValueEvent struct {
	Identifier string
	Value      protocol.AttrValue
	Origin     protocol.ValueOrigin
	// session that produced a client-origin value
	SessionId Id
	Revision  uint64
}

type ControlValueFunction func(event *ControlValueEvent)

type controlRecord struct {
	controlKind ControlKind
	valueKind   protocol.AttrKind
	state       ControlState
	callbacks   *CallbackList[ControlValueFunction]
}

// RegisterControl creates a control node with a default value. The value
// type tag is fixed at registration; later writes from either side must
// match it.
func (self *Store) RegisterControl(
	identifier string,
	parentIdentifier string,
	controlKind ControlKind,
	defaultValue protocol.AttrValue,
	attributes protocol.Attributes,
) (*ControlHandle, error) {
	if identifier == "" {
		return nil, fmt.Errorf("empty identifier: %w", ErrUnknownIdentifier)
	}
	if defaultValue.Kind == 0 {
		return nil, fmt.Errorf("default value missing type tag: %w", ErrControlType)
	}

	control := &controlRecord{
		controlKind: controlKind,
		valueKind:   defaultValue.Kind,
		state:       ControlStateIdle,
		callbacks:   NewCallbackList[ControlValueFunction](),
	}

	controlAttributes := protocol.CloneAttributes(attributes)
	controlAttributes[controlKindAttr] = protocol.String(string(controlKind))
	controlAttributes[controlValueAttr] = defaultValue

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.createNode(
		identifier,
		parentIdentifier,
		protocol.NodeKindControl,
		controlAttributes,
		control,
	); err != nil {
		return nil, err
	}
	return &ControlHandle{
		NodeHandle: NodeHandle{store: self, identifier: identifier},
	}, nil
}

// SetControlValue is the producer-side value write. Equivalent to an update
// restricted to the value attribute.
func (self *Store) SetControlValue(identifier string, value protocol.AttrValue) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return ErrStoreClosed
	}
	node, ok := self.nodes[identifier]
	if !ok {
		return fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	if node.control == nil {
		return fmt.Errorf("%s is not a control: %w", identifier, ErrControlType)
	}
	return self.setControlValue(node, value, protocol.ValueOriginServer, Id{})
}

// ApplyClientValue applies an inbound client value event. The value is
// re-broadcast to every session except the origin, and registered callbacks
// are dispatched exactly once. Across clients the policy is
// last-writer-wins in store apply order.
func (self *Store) ApplyClientValue(identifier string, value protocol.AttrValue, originSessionId Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return ErrStoreClosed
	}
	node, ok := self.nodes[identifier]
	if !ok {
		return fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	if node.control == nil {
		return fmt.Errorf("%s is not a control: %w", identifier, ErrControlType)
	}
	return self.setControlValue(node, value, protocol.ValueOriginClient, originSessionId)
}

// caller must hold the mutex
func (self *Store) setControlValue(
	node *nodeRecord,
	value protocol.AttrValue,
	origin protocol.ValueOrigin,
	originSessionId Id,
) error {
	control := node.control
	if value.Kind != control.valueKind {
		return fmt.Errorf(
			"%s expects value kind %d, got %d: %w",
			node.identifier, control.valueKind, value.Kind, ErrControlType,
		)
	}

	node.attributes[controlValueAttr] = value
	node.revision += 1
	self.globalRevision += 1

	switch origin {
	case protocol.ValueOriginClient:
		control.state = ControlStateClientSet
	default:
		control.state = ControlStateServerSet
	}

	self.publish(&protocol.ControlValue{
		Identifier: node.identifier,
		Revision:   node.revision,
		Value:      value,
		Origin:     origin,
	}, originSessionId)

	if origin == protocol.ValueOriginClient {
		event := &ControlValueEvent{
			Identifier: node.identifier,
			Value:      value,
			Origin:     origin,
			SessionId:  originSessionId,
			Revision:   node.revision,
		}
		self.dispatcher.enqueue(control.callbacks.Get(), event)
	}
	return nil
}

// ControlValue returns the current value of a control.
func (self *Store) ControlValue(identifier string) (protocol.AttrValue, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[identifier]
	if !ok {
		return protocol.AttrValue{}, fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	if node.control == nil {
		return protocol.AttrValue{}, fmt.Errorf("%s is not a control: %w", identifier, ErrControlType)
	}
	return node.attributes[controlValueAttr], nil
}

// ControlState returns the write provenance of the control's current
// value.
func (self *Store) ControlState(identifier string) (ControlState, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[identifier]
	if !ok {
		return ControlStateIdle, fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	if node.control == nil {
		return ControlStateIdle, fmt.Errorf("%s is not a control: %w", identifier, ErrControlType)
	}
	return node.control.state, nil
}

// OnControlValue registers a callback for inbound client value events on a
// control. Returns a function that unregisters the callback.
func (self *Store) OnControlValue(identifier string, callback ControlValueFunction) (func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[identifier]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	if node.control == nil {
		return nil, fmt.Errorf("%s is not a control: %w", identifier, ErrControlType)
	}
	return node.control.callbacks.Add(callback), nil
}

// eventDispatcher invokes control callbacks from its own goroutine, so a
// slow or raising callback never blocks the store apply path or the
// broadcast fan-out. Events for one control are invoked in store apply
// order, exactly once per applied inbound event.
type eventDispatcher struct {
	ctx context.Context

	monitor *Monitor

	mutex   sync.Mutex
	pending *list.List
	// drop further events past this bound and log, instead of growing
	// without limit when the producer has wedged its own callback
	maxCount int
}

type dispatchItem struct {
	callbacks []ControlValueFunction
	event     *ControlValueEvent
}

func newEventDispatcher(ctx context.Context, maxCount int) *eventDispatcher {
	dispatcher := &eventDispatcher{
		ctx:      ctx,
		monitor:  NewMonitor(),
		pending:  list.New(),
		maxCount: maxCount,
	}
	go dispatcher.run()
	return dispatcher
}

func (self *eventDispatcher) enqueue(callbacks []ControlValueFunction, event *ControlValueEvent) {
	if len(callbacks) == 0 {
		return
	}

	self.mutex.Lock()
	if self.maxCount <= self.pending.Len() {
		self.mutex.Unlock()
		glog.Infof("[g]dispatch overflow, dropping event for %s\n", event.Identifier)
		return
	}
	self.pending.PushBack(&dispatchItem{
		callbacks: callbacks,
		event:     event,
	})
	self.mutex.Unlock()

	self.monitor.NotifyAll()
}

func (self *eventDispatcher) run() {
	for {
		notify := self.monitor.NotifyChannel()

		for {
			self.mutex.Lock()
			front := self.pending.Front()
			if front != nil {
				self.pending.Remove(front)
			}
			self.mutex.Unlock()

			if front == nil {
				break
			}
			item := front.Value.(*dispatchItem)
			for _, callback := range item.callbacks {
				HandleError(func() {
					callback(item.event)
				}, func(err error) {
					glog.Warningf("[g]callback %s error = %s\n", CallbackName(callback), err)
				})
			}
		}

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}
