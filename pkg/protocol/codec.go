package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns messages into frames and back. A frame is a flat object whose
// "type" field holds the message kind next to the variant's own fields.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// JSON is the default codec.
var JSON Codec = frameCodec[json.RawMessage]{
	name:      CodecJSON,
	marshal:   json.Marshal,
	unmarshal: json.Unmarshal,
}

// CBOR encodes frames with Core Deterministic Encoding.
var CBOR Codec = newCBORCodec()

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec: %s", name)
}

func newCBORCodec() Codec {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	return frameCodec[cbor.RawMessage]{
		name:      CodecCBOR,
		marshal:   encMode.Marshal,
		unmarshal: decMode.Unmarshal,
	}
}

// frameCodec works for any encoding with a raw-value type, so both codecs
// share the same framing logic.
type frameCodec[R ~[]byte] struct {
	name      string
	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

func (c frameCodec[R]) Name() string { return c.name }

func (c frameCodec[R]) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	body, err := c.marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	fields := make(map[string]R)
	if err := c.unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to frame %s: %w", msg.Kind(), err)
	}

	kind, err := c.marshal(string(msg.Kind()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode type: %w", err)
	}
	fields["type"] = R(kind)

	return c.marshal(fields)
}

func (c frameCodec[R]) Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := c.unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	msg, err := decodeKind(head.Type, func(v any) error {
		return c.unmarshal(data, v)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeKind(kind Kind, into func(any) error) (Message, error) {
	switch kind {
	case KindInit:
		return decodeAs[Init](kind, into)
	case KindReady:
		return decodeAs[Ready](kind, into)
	case KindError:
		return decodeAs[Error](kind, into)
	case KindRegisterRoute:
		return decodeAs[RegisterRoute](kind, into)
	case KindRegisterHook:
		return decodeAs[RegisterHook](kind, into)
	case KindRegisterUISlot:
		return decodeAs[RegisterUISlot](kind, into)
	case KindRegisterAsset:
		return decodeAs[RegisterAsset](kind, into)
	case KindRegisterWidget:
		return decodeAs[RegisterWidget](kind, into)
	case KindRegisterCron:
		return decodeAs[RegisterCron](kind, into)
	case KindInvokeRoute:
		return decodeAs[InvokeRoute](kind, into)
	case KindRouteResult:
		return decodeAs[RouteResult](kind, into)
	case KindInvokeHook:
		return decodeAs[InvokeHook](kind, into)
	case KindLifecycle:
		return decodeAs[Lifecycle](kind, into)
	case KindDeactivated:
		return decodeAs[Deactivated](kind, into)
	case KindDBRequest:
		return decodeAs[DBRequest](kind, into)
	case KindDBResponse:
		return decodeAs[DBResponse](kind, into)
	case KindFetch:
		return decodeAs[Fetch](kind, into)
	case KindFetchResult:
		return decodeAs[FetchResult](kind, into)
	case KindFSRead:
		return decodeAs[FSRead](kind, into)
	case KindFSResult:
		return decodeAs[FSResult](kind, into)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeAs[T Message](kind Kind, into func(any) error) (Message, error) {
	var msg T
	if err := into(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return msg, nil
}
