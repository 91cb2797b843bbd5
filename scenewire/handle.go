package scenewire

import (
	"strings"

	"scenewire.org/scenewire/protocol"
)

// handles are lightweight producer-side capabilities referencing one store
// entry. all mutation flows through the store's apply path; a handle holds
// no state beyond the identifier.

type NodeHandle struct {
	store      *Store
	identifier string
}

func (self *NodeHandle) Identifier() string {
	return self.identifier
}

// Update merges an attribute delta into the node and broadcasts it.
func (self *NodeHandle) Update(delta protocol.Attributes) error {
	return self.store.UpdateNode(self.identifier, delta)
}

// Remove removes the node and its subtree. The handle and any handle to a
// descendant is dead afterward.
func (self *NodeHandle) Remove() error {
	_, err := self.store.RemoveNode(self.identifier)
	return err
}

// Attributes returns a copy of the node's current attributes.
func (self *NodeHandle) Attributes() (protocol.Attributes, error) {
	return self.store.NodeAttributes(self.identifier)
}

// CreateChild creates a node under this one. The child identifier is the
// parent identifier plus "/name".
func (self *NodeHandle) CreateChild(
	name string,
	kind protocol.NodeKind,
	attributes protocol.Attributes,
) (*NodeHandle, error) {
	return self.store.CreateNode(self.childIdentifier(name), self.identifier, kind, attributes)
}

// RegisterChildControl creates a control node under this one.
func (self *NodeHandle) RegisterChildControl(
	name string,
	controlKind ControlKind,
	defaultValue protocol.AttrValue,
	attributes protocol.Attributes,
) (*ControlHandle, error) {
	return self.store.RegisterControl(
		self.childIdentifier(name),
		self.identifier,
		controlKind,
		defaultValue,
		attributes,
	)
}

func (self *NodeHandle) childIdentifier(name string) string {
	if strings.HasSuffix(self.identifier, "/") {
		return self.identifier + name
	}
	return self.identifier + "/" + name
}

// ControlHandle is a NodeHandle over a GUI control, adding the
// bidirectional value surface.
type ControlHandle struct {
	NodeHandle
}

// SetValue pushes a server-side value. Equivalent to an Update restricted
// to the value attribute.
func (self *ControlHandle) SetValue(value protocol.AttrValue) error {
	return self.store.SetControlValue(self.identifier, value)
}

// Value returns the control's current value.
func (self *ControlHandle) Value() (protocol.AttrValue, error) {
	return self.store.ControlValue(self.identifier)
}

// OnValue registers a callback invoked once per applied inbound client
// value event. Returns a function that releases the registration.
func (self *ControlHandle) OnValue(callback ControlValueFunction) (func(), error) {
	return self.store.OnControlValue(self.identifier, callback)
}
