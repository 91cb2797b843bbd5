package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameCodecRoundTrip(t *testing.T) {
	points := make([]float32, 3*1024)
	for i := range points {
		points[i] = float32(i) * 0.5
	}

	messages := []Message{
		&CreateNode{
			Identifier:       "/world",
			Revision:         1,
			ParentIdentifier: "/",
			Kind:             NodeKindTransform,
			Attributes: Attributes{
				"visible": Bool(true),
				"matrix":  Float64s([]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}),
			},
		},
		&CreateNode{
			Identifier: "/world/points",
			Revision:   1,
			// parent lifted from the identifier by the store; still explicit on the wire
			ParentIdentifier: "/world",
			Kind:             NodeKindPointCloud,
			Attributes: Attributes{
				"positions":  Float32s(points),
				"point_size": Float(0.01),
				"label":      String("lidar sweep"),
				"payload":    Bytes([]byte{0x00, 0xff, 0x10}),
				"count":      Int(int64(len(points) / 3)),
			},
		},
		&CreateNode{
			Identifier: "/empty",
			Revision:   1,
			Kind:       NodeKindLabel,
			Attributes: Attributes{},
		},
		&UpdateNode{
			Identifier: "/world/points",
			Revision:   2,
			Attributes: Attributes{
				"point_size": Float(0.02),
				"visible":    Bool(false),
			},
		},
		&UpdateNode{
			Identifier: "/world/points",
			Revision:   3,
			Attributes: Attributes{},
		},
		&RemoveNode{
			Identifier: "/world/points",
			Revision:   4,
		},
		&ControlValue{
			Identifier: "/gui/slider",
			Revision:   7,
			Value:      Float(0.25),
			Origin:     ValueOriginServer,
		},
		&ControlValue{
			Identifier: "/gui/text",
			Revision:   8,
			Value:      String(""),
			Origin:     ValueOriginClient,
		},
		&SessionAuth{
			Token:      "token-bytes",
			ClientName: "viewer-1",
		},
		&SessionAuth{},
	}

	for _, message := range messages {
		frameBytes, err := EncodeFrame(message)
		assert.Equal(t, err, nil)

		decoded, err := DecodeFrame(frameBytes)
		assert.Equal(t, err, nil)

		switch v := message.(type) {
		case *CreateNode:
			d, ok := decoded.(*CreateNode)
			assert.Equal(t, ok, true)
			assert.Equal(t, d.Identifier, v.Identifier)
			assert.Equal(t, d.Revision, v.Revision)
			assert.Equal(t, d.ParentIdentifier, v.ParentIdentifier)
			assert.Equal(t, d.Kind, v.Kind)
			assert.Equal(t, EqualAttributes(d.Attributes, v.Attributes), true)
		case *UpdateNode:
			d, ok := decoded.(*UpdateNode)
			assert.Equal(t, ok, true)
			assert.Equal(t, d.Identifier, v.Identifier)
			assert.Equal(t, d.Revision, v.Revision)
			assert.Equal(t, EqualAttributes(d.Attributes, v.Attributes), true)
		case *RemoveNode:
			d, ok := decoded.(*RemoveNode)
			assert.Equal(t, ok, true)
			assert.Equal(t, d.Identifier, v.Identifier)
			assert.Equal(t, d.Revision, v.Revision)
		case *ControlValue:
			d, ok := decoded.(*ControlValue)
			assert.Equal(t, ok, true)
			assert.Equal(t, d.Identifier, v.Identifier)
			assert.Equal(t, d.Revision, v.Revision)
			assert.Equal(t, d.Value.Equal(v.Value), true)
			assert.Equal(t, d.Origin, v.Origin)
		case *SessionAuth:
			d, ok := decoded.(*SessionAuth)
			assert.Equal(t, ok, true)
			assert.Equal(t, d.Token, v.Token)
			assert.Equal(t, d.ClientName, v.ClientName)
		default:
			t.Fatalf("unexpected message type %T", v)
		}
	}
}

func TestFrameCodecDeterministicAttributeOrder(t *testing.T) {
	attributes := Attributes{
		"b": Int(2),
		"a": Int(1),
		"c": Int(3),
	}
	one := RequireEncodeFrame(&UpdateNode{Identifier: "/n", Revision: 1, Attributes: attributes})
	two := RequireEncodeFrame(&UpdateNode{Identifier: "/n", Revision: 1, Attributes: CloneAttributes(attributes)})
	assert.Equal(t, bytes.Equal(one, two), true)
}

func TestFrameCodecMalformed(t *testing.T) {
	// empty input has no message type
	_, err := DecodeFrame([]byte{})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// unknown message type
	_, err = DecodeFrame([]byte{0x08, 0x7f})
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// truncation at every byte boundary must error, never panic
	frameBytes := RequireEncodeFrame(&CreateNode{
		Identifier: "/a",
		Revision:   1,
		Kind:       NodeKindMesh,
		Attributes: Attributes{
			"positions": Float32s([]float32{0, 1, 2}),
		},
	})
	for i := 1; i < len(frameBytes); i += 1 {
		if _, err := DecodeFrame(frameBytes[:i]); err != nil {
			assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)
		}
	}

	// remove with a payload is rejected
	removeBytes := RequireEncodeFrame(&RemoveNode{Identifier: "/a", Revision: 2})
	removeBytes = append(removeBytes, 0x22, 0x01, 0x00)
	_, err = DecodeFrame(removeBytes)
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)

	// control value without a value is rejected
	_, err = DecodeFrame(RequireEncodeFrame(&SessionAuth{}))
	assert.Equal(t, err, nil)
	badControl := []byte{0x08, 0x04}
	_, err = DecodeFrame(badControl)
	assert.Equal(t, errors.Is(err, ErrMalformedMessage), true)
}

func TestStreamFraming(t *testing.T) {
	frames := [][]byte{
		RequireEncodeFrame(&CreateNode{Identifier: "/a", Revision: 1, Kind: NodeKindTransform, Attributes: Attributes{}}),
		RequireEncodeFrame(&UpdateNode{Identifier: "/a", Revision: 2, Attributes: Attributes{"visible": Bool(false)}}),
		RequireEncodeFrame(&RemoveNode{Identifier: "/a", Revision: 3}),
	}

	// concatenate onto one stream, then recover each boundary
	buf := &bytes.Buffer{}
	for _, frameBytes := range frames {
		err := WriteFrame(buf, frameBytes)
		assert.Equal(t, err, nil)
	}

	r := bufio.NewReader(buf)
	for _, frameBytes := range frames {
		readBytes, err := ReadFrame(r)
		assert.Equal(t, err, nil)
		assert.Equal(t, bytes.Equal(readBytes, frameBytes), true)
	}
	_, err := ReadFrame(r)
	assert.NotEqual(t, err, nil)
}
