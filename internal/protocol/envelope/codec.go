package envelope

import (
	"errors"
	"fmt"

	"github.com/danmuck/muxsession/internal/protocol/schema"
	"github.com/danmuck/muxsession/internal/protocol/tlv"
)

var (
	ErrMalformed   = errors.New("envelope: malformed")
	ErrUnknownKind = errors.New("envelope: unknown kind")
)

// EncodedLen returns the exact number of bytes Encode produces for e.
func EncodedLen(e Envelope) int {
	n := 3*tlv.HeaderLen + 4 + 4 + 1
	switch e.Kind.tag {
	case TagRequest, TagResponse:
		n += tlv.HeaderLen + 8
	case TagEvent:
		n += tlv.HeaderLen + 4
	}
	if len(e.Content) > 0 {
		n += tlv.HeaderLen + len(e.Content)
	}
	return n
}

// Encode returns the wire form of e.
func Encode(e Envelope) []byte {
	return AppendEncode(make([]byte, 0, EncodedLen(e)), e)
}

// AppendEncode appends the wire form of e to dst. It allocates only when dst
// lacks capacity.
func AppendEncode(dst []byte, e Envelope) []byte {
	dst = tlv.AppendU32(dst, schema.FieldService, uint32(e.Service))
	dst = tlv.AppendU32(dst, schema.FieldObject, uint32(e.Object))
	dst = tlv.AppendU8(dst, schema.FieldKind, uint8(e.Kind.tag))
	switch e.Kind.tag {
	case TagRequest, TagResponse:
		dst = tlv.AppendU64(dst, schema.FieldRequestID, uint64(e.Kind.id))
	case TagEvent:
		dst = tlv.AppendU32(dst, schema.FieldEvent, uint32(e.Kind.event))
	}
	if len(e.Content) > 0 {
		dst = tlv.AppendField(dst, tlv.Bytes(schema.FieldContent, e.Content))
	}
	return dst
}

// Decode parses one envelope. Failures wrap ErrMalformed or ErrUnknownKind.
// Unknown field ids are skipped. Empty content is not written on the wire,
// so a non-nil empty Content decodes as nil.
func Decode(b []byte) (Envelope, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(schema.MsgEnvelope, fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	service, err := requiredU32(fields, schema.FieldService)
	if err != nil {
		return Envelope{}, err
	}
	object, err := requiredU32(fields, schema.FieldObject)
	if err != nil {
		return Envelope{}, err
	}
	kindField, _ := tlv.GetField(fields, schema.FieldKind)
	rawTag, err := kindField.AsU8()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: kind: %v", ErrMalformed, err)
	}

	env := Envelope{Service: ServiceID(service), Object: ObjectID(object)}
	idField, hasID := tlv.GetField(fields, schema.FieldRequestID)
	eventField, hasEvent := tlv.GetField(fields, schema.FieldEvent)

	switch tag := KindTag(rawTag); tag {
	case TagRequest, TagResponse:
		if !hasID {
			return Envelope{}, fmt.Errorf("%w: %s without request_id", ErrMalformed, tag)
		}
		if hasEvent {
			return Envelope{}, fmt.Errorf("%w: %s with event id", ErrMalformed, tag)
		}
		id, err := idField.AsU64()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: request_id: %v", ErrMalformed, err)
		}
		env.Kind = Kind{tag: tag, id: RequestID(id)}
	case TagEvent:
		if hasID {
			return Envelope{}, fmt.Errorf("%w: event with request_id", ErrMalformed)
		}
		if !hasEvent {
			return Envelope{}, fmt.Errorf("%w: event without event id", ErrMalformed)
		}
		ev, err := eventField.AsU32()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		env.Kind = Event(EventID(ev))
	default:
		return Envelope{}, fmt.Errorf("%w: tag=%d", ErrUnknownKind, rawTag)
	}

	if f, ok := tlv.GetField(fields, schema.FieldContent); ok {
		content, err := f.AsBytes()
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: content: %v", ErrMalformed, err)
		}
		if len(content) > 0 {
			env.Content = content
		}
	}
	return env, nil
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsU32()
	if err != nil {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, id, err)
	}
	return v, nil
}
