package protocol

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// wire messages for the scene synchronization protocol
//
// every frame carries a message type tag, the target identifier, and the
// revision assigned by the store, followed by a type-specific payload.
// attribute payloads are a tagged union so that both ends can match
// exhaustively instead of probing value types at runtime.

type MessageType uint64

const (
	MessageTypeSceneCreateNode MessageType = 1
	MessageTypeSceneUpdateNode MessageType = 2
	MessageTypeSceneRemoveNode MessageType = 3
	MessageTypeGuiControlValue MessageType = 4
	MessageTypeSessionAuth     MessageType = 5
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeSceneCreateNode:
		return "SceneCreateNode"
	case MessageTypeSceneUpdateNode:
		return "SceneUpdateNode"
	case MessageTypeSceneRemoveNode:
		return "SceneRemoveNode"
	case MessageTypeGuiControlValue:
		return "GuiControlValue"
	case MessageTypeSessionAuth:
		return "SessionAuth"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(self))
	}
}

type NodeKind uint64

const (
	NodeKindTransform  NodeKind = 1
	NodeKindMesh       NodeKind = 2
	NodeKindPointCloud NodeKind = 3
	NodeKindImage      NodeKind = 4
	NodeKindCamera     NodeKind = 5
	NodeKindLabel      NodeKind = 6
	NodeKindControl    NodeKind = 7
)

func (self NodeKind) String() string {
	switch self {
	case NodeKindTransform:
		return "transform"
	case NodeKindMesh:
		return "mesh"
	case NodeKindPointCloud:
		return "pointcloud"
	case NodeKindImage:
		return "image"
	case NodeKindCamera:
		return "camera"
	case NodeKindLabel:
		return "label"
	case NodeKindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", uint64(self))
	}
}

type AttrKind uint64

const (
	AttrKindBool     AttrKind = 1
	AttrKindInt      AttrKind = 2
	AttrKindFloat    AttrKind = 3
	AttrKindString   AttrKind = 4
	AttrKindBytes    AttrKind = 5
	AttrKindFloat32s AttrKind = 6
	AttrKindFloat64s AttrKind = 7
)

// AttrValue is the tagged union of attribute payloads. Exactly the field
// selected by `Kind` is meaningful; the rest are zero.
type AttrValue struct {
	Kind     AttrKind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Bytes    []byte
	Float32s []float32
	Float64s []float64
}

func Bool(value bool) AttrValue {
	return AttrValue{Kind: AttrKindBool, Bool: value}
}

func Int(value int64) AttrValue {
	return AttrValue{Kind: AttrKindInt, Int: value}
}

func Float(value float64) AttrValue {
	return AttrValue{Kind: AttrKindFloat, Float: value}
}

func String(value string) AttrValue {
	return AttrValue{Kind: AttrKindString, Str: value}
}

func Bytes(value []byte) AttrValue {
	return AttrValue{Kind: AttrKindBytes, Bytes: value}
}

func Float32s(value []float32) AttrValue {
	return AttrValue{Kind: AttrKindFloat32s, Float32s: value}
}

func Float64s(value []float64) AttrValue {
	return AttrValue{Kind: AttrKindFloat64s, Float64s: value}
}

func (self AttrValue) Equal(other AttrValue) bool {
	if self.Kind != other.Kind {
		return false
	}
	switch self.Kind {
	case AttrKindBool:
		return self.Bool == other.Bool
	case AttrKindInt:
		return self.Int == other.Int
	case AttrKindFloat:
		return self.Float == other.Float
	case AttrKindString:
		return self.Str == other.Str
	case AttrKindBytes:
		if len(self.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range self.Bytes {
			if self.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	case AttrKindFloat32s:
		if len(self.Float32s) != len(other.Float32s) {
			return false
		}
		for i := range self.Float32s {
			if self.Float32s[i] != other.Float32s[i] {
				return false
			}
		}
		return true
	case AttrKindFloat64s:
		if len(self.Float64s) != len(other.Float64s) {
			return false
		}
		for i := range self.Float64s {
			if self.Float64s[i] != other.Float64s[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Attributes maps attribute names to tagged values. Encoding is
// deterministic: entries are written in sorted name order.
type Attributes = map[string]AttrValue

func EqualAttributes(a Attributes, b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for name, value := range a {
		otherValue, ok := b[name]
		if !ok || !value.Equal(otherValue) {
			return false
		}
	}
	return true
}

func CloneAttributes(attributes Attributes) Attributes {
	out := Attributes{}
	for name, value := range attributes {
		out[name] = value
	}
	return out
}

// ValueOrigin records which side of the connection last wrote a control
// value.
type ValueOrigin uint64

const (
	ValueOriginServer ValueOrigin = 1
	ValueOriginClient ValueOrigin = 2
)

func (self ValueOrigin) String() string {
	switch self {
	case ValueOriginServer:
		return "server"
	case ValueOriginClient:
		return "client"
	default:
		return fmt.Sprintf("origin(%d)", uint64(self))
	}
}

type Message interface {
	messageType() MessageType
	// identifier and revision are lifted into the frame header
	frameHeader() (identifier string, revision uint64)
	setFrameHeader(identifier string, revision uint64)
	appendPayload(b []byte) []byte
	parsePayload(b []byte) error
}

// CreateNode introduces a node to the scene graph. The parent must already
// exist on the receiving side; bootstrap and broadcast both emit parents
// before children.
type CreateNode struct {
	Identifier       string
	Revision         uint64
	ParentIdentifier string
	Kind             NodeKind
	Attributes       Attributes
}

func (self *CreateNode) messageType() MessageType {
	return MessageTypeSceneCreateNode
}

func (self *CreateNode) frameHeader() (string, uint64) {
	return self.Identifier, self.Revision
}

func (self *CreateNode) setFrameHeader(identifier string, revision uint64) {
	self.Identifier = identifier
	self.Revision = revision
}

// UpdateNode merges an attribute delta into an existing node.
type UpdateNode struct {
	Identifier string
	Revision   uint64
	Attributes Attributes
}

func (self *UpdateNode) messageType() MessageType {
	return MessageTypeSceneUpdateNode
}

func (self *UpdateNode) frameHeader() (string, uint64) {
	return self.Identifier, self.Revision
}

func (self *UpdateNode) setFrameHeader(identifier string, revision uint64) {
	self.Identifier = identifier
	self.Revision = revision
}

// RemoveNode removes a node. Subtree removal is expanded into one
// RemoveNode per removed identifier, parents first.
type RemoveNode struct {
	Identifier string
	Revision   uint64
}

func (self *RemoveNode) messageType() MessageType {
	return MessageTypeSceneRemoveNode
}

func (self *RemoveNode) frameHeader() (string, uint64) {
	return self.Identifier, self.Revision
}

func (self *RemoveNode) setFrameHeader(identifier string, revision uint64) {
	self.Identifier = identifier
	self.Revision = revision
}

// ControlValue carries a GUI control value in either direction.
type ControlValue struct {
	Identifier string
	Revision   uint64
	Value      AttrValue
	Origin     ValueOrigin
}

func (self *ControlValue) messageType() MessageType {
	return MessageTypeGuiControlValue
}

func (self *ControlValue) frameHeader() (string, uint64) {
	return self.Identifier, self.Revision
}

func (self *ControlValue) setFrameHeader(identifier string, revision uint64) {
	self.Identifier = identifier
	self.Revision = revision
}

// SessionAuth is the first frame a client sends. The server echoes the
// exact frame bytes back to acknowledge the session.
type SessionAuth struct {
	Token      string
	ClientName string
}

func (self *SessionAuth) messageType() MessageType {
	return MessageTypeSessionAuth
}

func (self *SessionAuth) frameHeader() (string, uint64) {
	return "", 0
}

func (self *SessionAuth) setFrameHeader(identifier string, revision uint64) {
}

func sortedAttrNames(attributes Attributes) []string {
	names := maps.Keys(attributes)
	slices.Sort(names)
	return names
}
