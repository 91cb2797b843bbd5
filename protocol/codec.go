package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// frame codec
//
// frames use the protobuf wire format, assembled by hand with protowire.
// the message set is small and fixed, so generated code buys nothing over
// an explicit encoder, and the explicit decoder lets the frame header be
// validated before any payload parsing is attempted.
//
// frame fields:
//   1 message type (varint)
//   2 target identifier (string)
//   3 revision (varint)
//   4 payload (bytes)

// decode failures all wrap ErrMalformedMessage so sessions can classify
// them without string matching.
var ErrMalformedMessage = errors.New("malformed message")

// bound on a single encoded frame, applied on both encode and decode.
// large geometry buffers are expected; multi-GiB frames are not.
const MaxFrameByteCount = 256 * 1024 * 1024

const (
	frameFieldMessageType = 1
	frameFieldIdentifier  = 2
	frameFieldRevision    = 3
	frameFieldPayload     = 4
)

// EncodeFrame encodes a message into one self-contained frame.
func EncodeFrame(message Message) ([]byte, error) {
	identifier, revision := message.frameHeader()
	payload := message.appendPayload(nil)

	b := protowire.AppendTag(nil, frameFieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(message.messageType()))
	if identifier != "" {
		b = protowire.AppendTag(b, frameFieldIdentifier, protowire.BytesType)
		b = protowire.AppendString(b, identifier)
	}
	if revision != 0 {
		b = protowire.AppendTag(b, frameFieldRevision, protowire.VarintType)
		b = protowire.AppendVarint(b, revision)
	}
	if len(payload) != 0 {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	if MaxFrameByteCount < len(b) {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameByteCount)
	}
	return b, nil
}

func RequireEncodeFrame(message Message) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFrame validates the frame header and then parses the payload into
// the concrete message type.
func DecodeFrame(b []byte) (Message, error) {
	if MaxFrameByteCount < len(b) {
		return nil, fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameByteCount, ErrMalformedMessage)
	}

	var messageType MessageType
	var identifier string
	var revision uint64
	var payload []byte
	haveType := false

	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad frame tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case frameFieldMessageType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("bad message type: %w", ErrMalformedMessage)
			}
			messageType = MessageType(v)
			haveType = true
			b = b[n:]
		case frameFieldIdentifier:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("bad identifier: %w", ErrMalformedMessage)
			}
			identifier = v
			b = b[n:]
		case frameFieldRevision:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("bad revision: %w", ErrMalformedMessage)
			}
			revision = v
			b = b[n:]
		case frameFieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("bad payload: %w", ErrMalformedMessage)
			}
			payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}

	if !haveType {
		return nil, fmt.Errorf("missing message type: %w", ErrMalformedMessage)
	}

	var message Message
	switch messageType {
	case MessageTypeSceneCreateNode:
		message = &CreateNode{}
	case MessageTypeSceneUpdateNode:
		message = &UpdateNode{}
	case MessageTypeSceneRemoveNode:
		message = &RemoveNode{}
	case MessageTypeGuiControlValue:
		message = &ControlValue{}
	case MessageTypeSessionAuth:
		message = &SessionAuth{}
	default:
		return nil, fmt.Errorf("unknown message type %d: %w", uint64(messageType), ErrMalformedMessage)
	}
	message.setFrameHeader(identifier, revision)
	if err := message.parsePayload(payload); err != nil {
		return nil, err
	}
	return message, nil
}

func RequireDecodeFrame(b []byte) Message {
	message, err := DecodeFrame(b)
	if err != nil {
		panic(err)
	}
	return message
}

// stream framing
//
// websocket transports preserve message boundaries, so each frame travels
// as one binary message there. For raw byte streams the frame is prefixed
// with a uvarint length so the receiver can recover boundaries itself.

// WriteFrame writes one length-delimited frame to a byte stream.
func WriteFrame(w io.Writer, frameBytes []byte) error {
	if MaxFrameByteCount < len(frameBytes) {
		return fmt.Errorf("frame exceeds %d bytes", MaxFrameByteCount)
	}
	var header [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], uint64(len(frameBytes)))
	if _, err := w.Write(header[:n]); err != nil {
		return err
	}
	_, err := w.Write(frameBytes)
	return err
}

// ReadFrame reads one length-delimited frame from a byte stream.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	frameByteCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if MaxFrameByteCount < frameByteCount {
		return nil, fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameByteCount, ErrMalformedMessage)
	}
	frameBytes := make([]byte, frameByteCount)
	if _, err := io.ReadFull(r, frameBytes); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", ErrMalformedMessage)
	}
	return frameBytes, nil
}

// payload encoding

const (
	attrFieldName     = 1
	attrFieldKind     = 2
	attrFieldBool     = 3
	attrFieldInt      = 4
	attrFieldFloat    = 5
	attrFieldString   = 6
	attrFieldBytes    = 7
	attrFieldFloat32s = 8
	attrFieldFloat64s = 9
)

func appendValueFields(b []byte, value AttrValue) []byte {
	b = protowire.AppendTag(b, attrFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(value.Kind))
	switch value.Kind {
	case AttrKindBool:
		b = protowire.AppendTag(b, attrFieldBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(value.Bool))
	case AttrKindInt:
		b = protowire.AppendTag(b, attrFieldInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(value.Int))
	case AttrKindFloat:
		b = protowire.AppendTag(b, attrFieldFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(value.Float))
	case AttrKindString:
		b = protowire.AppendTag(b, attrFieldString, protowire.BytesType)
		b = protowire.AppendString(b, value.Str)
	case AttrKindBytes:
		b = protowire.AppendTag(b, attrFieldBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, value.Bytes)
	case AttrKindFloat32s:
		// packed fixed32
		packed := make([]byte, 0, 4*len(value.Float32s))
		for _, v := range value.Float32s {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, attrFieldFloat32s, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	case AttrKindFloat64s:
		// packed fixed64
		packed := make([]byte, 0, 8*len(value.Float64s))
		for _, v := range value.Float64s {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, attrFieldFloat64s, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func parseValueFields(b []byte) (AttrValue, string, error) {
	var value AttrValue
	var name string
	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return value, name, fmt.Errorf("bad attribute tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case attrFieldName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad attribute name: %w", ErrMalformedMessage)
			}
			name = v
			b = b[n:]
		case attrFieldKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad attribute kind: %w", ErrMalformedMessage)
			}
			value.Kind = AttrKind(v)
			b = b[n:]
		case attrFieldBool:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad bool attribute: %w", ErrMalformedMessage)
			}
			value.Bool = protowire.DecodeBool(v)
			b = b[n:]
		case attrFieldInt:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad int attribute: %w", ErrMalformedMessage)
			}
			value.Int = protowire.DecodeZigZag(v)
			b = b[n:]
		case attrFieldFloat:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad float attribute: %w", ErrMalformedMessage)
			}
			value.Float = math.Float64frombits(v)
			b = b[n:]
		case attrFieldString:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad string attribute: %w", ErrMalformedMessage)
			}
			value.Str = v
			b = b[n:]
		case attrFieldBytes:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return value, name, fmt.Errorf("bad bytes attribute: %w", ErrMalformedMessage)
			}
			value.Bytes = append([]byte{}, v...)
			b = b[n:]
		case attrFieldFloat32s:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 || len(packed)%4 != 0 {
				return value, name, fmt.Errorf("bad float32 list attribute: %w", ErrMalformedMessage)
			}
			values := make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return value, name, fmt.Errorf("bad float32 list attribute: %w", ErrMalformedMessage)
				}
				values = append(values, math.Float32frombits(v))
				packed = packed[n:]
			}
			value.Float32s = values
			b = b[n:]
		case attrFieldFloat64s:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 || len(packed)%8 != 0 {
				return value, name, fmt.Errorf("bad float64 list attribute: %w", ErrMalformedMessage)
			}
			values := make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return value, name, fmt.Errorf("bad float64 list attribute: %w", ErrMalformedMessage)
				}
				values = append(values, math.Float64frombits(v))
				packed = packed[n:]
			}
			value.Float64s = values
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return value, name, fmt.Errorf("bad attribute field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}
	if value.Kind == 0 {
		return value, name, fmt.Errorf("missing attribute kind: %w", ErrMalformedMessage)
	}
	switch value.Kind {
	case AttrKindBool, AttrKindInt, AttrKindFloat, AttrKindString, AttrKindBytes, AttrKindFloat32s, AttrKindFloat64s:
	default:
		return value, name, fmt.Errorf("unknown attribute kind %d: %w", uint64(value.Kind), ErrMalformedMessage)
	}
	return value, name, nil
}

func appendAttrEntry(b []byte, fieldNumber protowire.Number, name string, value AttrValue) []byte {
	entry := protowire.AppendTag(nil, attrFieldName, protowire.BytesType)
	entry = protowire.AppendString(entry, name)
	entry = appendValueFields(entry, value)
	b = protowire.AppendTag(b, fieldNumber, protowire.BytesType)
	b = protowire.AppendBytes(b, entry)
	return b
}

func appendAttributes(b []byte, fieldNumber protowire.Number, attributes Attributes) []byte {
	for _, name := range sortedAttrNames(attributes) {
		b = appendAttrEntry(b, fieldNumber, name, attributes[name])
	}
	return b
}

const (
	createNodeFieldParent    = 1
	createNodeFieldKind      = 2
	createNodeFieldAttribute = 3
)

func (self *CreateNode) appendPayload(b []byte) []byte {
	if self.ParentIdentifier != "" {
		b = protowire.AppendTag(b, createNodeFieldParent, protowire.BytesType)
		b = protowire.AppendString(b, self.ParentIdentifier)
	}
	b = protowire.AppendTag(b, createNodeFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Kind))
	b = appendAttributes(b, createNodeFieldAttribute, self.Attributes)
	return b
}

func (self *CreateNode) parsePayload(b []byte) error {
	self.Attributes = Attributes{}
	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad create tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case createNodeFieldParent:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("bad parent identifier: %w", ErrMalformedMessage)
			}
			self.ParentIdentifier = v
			b = b[n:]
		case createNodeFieldKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("bad node kind: %w", ErrMalformedMessage)
			}
			self.Kind = NodeKind(v)
			b = b[n:]
		case createNodeFieldAttribute:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("bad attribute entry: %w", ErrMalformedMessage)
			}
			value, name, err := parseValueFields(entry)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("missing attribute name: %w", ErrMalformedMessage)
			}
			self.Attributes[name] = value
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return fmt.Errorf("bad create field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}
	if self.Kind == 0 {
		return fmt.Errorf("missing node kind: %w", ErrMalformedMessage)
	}
	return nil
}

const (
	updateNodeFieldAttribute = 1
)

func (self *UpdateNode) appendPayload(b []byte) []byte {
	return appendAttributes(b, updateNodeFieldAttribute, self.Attributes)
}

func (self *UpdateNode) parsePayload(b []byte) error {
	self.Attributes = Attributes{}
	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad update tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case updateNodeFieldAttribute:
			entry, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("bad attribute entry: %w", ErrMalformedMessage)
			}
			value, name, err := parseValueFields(entry)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("missing attribute name: %w", ErrMalformedMessage)
			}
			self.Attributes[name] = value
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return fmt.Errorf("bad update field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}
	return nil
}

func (self *RemoveNode) appendPayload(b []byte) []byte {
	return b
}

func (self *RemoveNode) parsePayload(b []byte) error {
	if len(b) != 0 {
		return fmt.Errorf("unexpected remove payload: %w", ErrMalformedMessage)
	}
	return nil
}

const (
	controlValueFieldValue  = 1
	controlValueFieldOrigin = 2
)

func (self *ControlValue) appendPayload(b []byte) []byte {
	valueBytes := appendValueFields(nil, self.Value)
	b = protowire.AppendTag(b, controlValueFieldValue, protowire.BytesType)
	b = protowire.AppendBytes(b, valueBytes)
	b = protowire.AppendTag(b, controlValueFieldOrigin, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Origin))
	return b
}

func (self *ControlValue) parsePayload(b []byte) error {
	haveValue := false
	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad control value tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case controlValueFieldValue:
			valueBytes, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("bad control value: %w", ErrMalformedMessage)
			}
			value, _, err := parseValueFields(valueBytes)
			if err != nil {
				return err
			}
			self.Value = value
			haveValue = true
			b = b[n:]
		case controlValueFieldOrigin:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("bad control value origin: %w", ErrMalformedMessage)
			}
			self.Origin = ValueOrigin(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return fmt.Errorf("bad control value field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}
	if !haveValue {
		return fmt.Errorf("missing control value: %w", ErrMalformedMessage)
	}
	switch self.Origin {
	case ValueOriginServer, ValueOriginClient:
	default:
		return fmt.Errorf("unknown control value origin %d: %w", uint64(self.Origin), ErrMalformedMessage)
	}
	return nil
}

const (
	sessionAuthFieldToken      = 1
	sessionAuthFieldClientName = 2
)

func (self *SessionAuth) appendPayload(b []byte) []byte {
	if self.Token != "" {
		b = protowire.AppendTag(b, sessionAuthFieldToken, protowire.BytesType)
		b = protowire.AppendString(b, self.Token)
	}
	if self.ClientName != "" {
		b = protowire.AppendTag(b, sessionAuthFieldClientName, protowire.BytesType)
		b = protowire.AppendString(b, self.ClientName)
	}
	return b
}

func (self *SessionAuth) parsePayload(b []byte) error {
	for len(b) > 0 {
		fieldNumber, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad auth tag: %w", ErrMalformedMessage)
		}
		b = b[n:]
		switch fieldNumber {
		case sessionAuthFieldToken:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("bad auth token: %w", ErrMalformedMessage)
			}
			self.Token = v
			b = b[n:]
		case sessionAuthFieldClientName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("bad client name: %w", ErrMalformedMessage)
			}
			self.ClientName = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(fieldNumber, wireType, b)
			if n < 0 {
				return fmt.Errorf("bad auth field %d: %w", fieldNumber, ErrMalformedMessage)
			}
			b = b[n:]
		}
	}
	return nil
}
