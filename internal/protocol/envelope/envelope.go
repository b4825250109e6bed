// Package envelope owns the routed unit of the protocol.
//
// An Envelope is addressed by (service, object) and tagged with a Kind. Its
// content is opaque here; service schemas belong to their collaborators.
package envelope

import (
	"errors"
	"fmt"
)

// ServiceID identifies a logical service within a session.
type ServiceID uint32

// ObjectID identifies a stateful object scoped to a service.
type ObjectID uint32

// EventID identifies an event category scoped to a (service, object) pair.
type EventID uint32

// RequestID correlates a Response with its Request. Scope is the session.
type RequestID uint64

// CoreService is the well-known registry service id.
const CoreService ServiceID = 0

// KindTag is the wire tag of a Kind.
type KindTag uint8

const (
	TagRequest  KindTag = 1
	TagResponse KindTag = 2
	TagEvent    KindTag = 3
)

func (t KindTag) String() string {
	switch t {
	case TagRequest:
		return "request"
	case TagResponse:
		return "response"
	case TagEvent:
		return "event"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var ErrKindMismatch = errors.New("envelope: kind mismatch")

// Kind is the tagged union Request(id) | Response(id) | Event(event).
// The zero value is invalid.
type Kind struct {
	tag   KindTag
	id    RequestID
	event EventID
}

func Request(id RequestID) Kind { return Kind{tag: TagRequest, id: id} }

func Response(id RequestID) Kind { return Kind{tag: TagResponse, id: id} }

func Event(event EventID) Kind { return Kind{tag: TagEvent, event: event} }

func (k Kind) Tag() KindTag { return k.tag }

func (k Kind) IsRequest() bool { return k.tag == TagRequest }

func (k Kind) IsResponse() bool { return k.tag == TagResponse }

func (k Kind) IsEvent() bool { return k.tag == TagEvent }

func (k Kind) String() string {
	switch k.tag {
	case TagRequest, TagResponse:
		return fmt.Sprintf("%s(%d)", k.tag, k.id)
	case TagEvent:
		return fmt.Sprintf("event(%d)", k.event)
	default:
		return k.tag.String()
	}
}

// Target addresses one object of one service.
type Target struct {
	Service ServiceID
	Object  ObjectID
}

func (t Target) String() string {
	return fmt.Sprintf("%d/%d", t.Service, t.Object)
}

// EventKey addresses one event category of one object.
type EventKey struct {
	Service ServiceID
	Object  ObjectID
	Event   EventID
}

func (k EventKey) Target() Target {
	return Target{Service: k.Service, Object: k.Object}
}

func (k EventKey) String() string {
	return fmt.Sprintf("%d/%d#%d", k.Service, k.Object, k.Event)
}

// Envelope is the routed unit of the protocol.
type Envelope struct {
	Service ServiceID
	Object  ObjectID
	Kind    Kind
	Content []byte
}

func (e Envelope) Target() Target {
	return Target{Service: e.Service, Object: e.Object}
}

// RequestID returns the correlation id of a Request envelope.
func (e Envelope) RequestID() (RequestID, error) {
	if e.Kind.tag != TagRequest {
		return 0, fmt.Errorf("%w: want request, got %s", ErrKindMismatch, e.Kind)
	}
	return e.Kind.id, nil
}

// ResponseID returns the correlation id of a Response envelope.
func (e Envelope) ResponseID() (RequestID, error) {
	if e.Kind.tag != TagResponse {
		return 0, fmt.Errorf("%w: want response, got %s", ErrKindMismatch, e.Kind)
	}
	return e.Kind.id, nil
}

// EventID returns the event category of an Event envelope.
func (e Envelope) EventID() (EventID, error) {
	if e.Kind.tag != TagEvent {
		return 0, fmt.Errorf("%w: want event, got %s", ErrKindMismatch, e.Kind)
	}
	return e.Kind.event, nil
}

// EventKey returns the listener key of an Event envelope.
func (e Envelope) EventKey() (EventKey, error) {
	if e.Kind.tag != TagEvent {
		return EventKey{}, fmt.Errorf("%w: want event, got %s", ErrKindMismatch, e.Kind)
	}
	return EventKey{Service: e.Service, Object: e.Object, Event: e.Kind.event}, nil
}

// ReplyTo builds the Response matching req, addressed to the same target.
func ReplyTo(req Envelope, content []byte) (Envelope, error) {
	id, err := req.RequestID()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Service: req.Service,
		Object:  req.Object,
		Kind:    Response(id),
		Content: content,
	}, nil
}

// NewEvent builds an Event envelope for key.
func NewEvent(key EventKey, content []byte) Envelope {
	return Envelope{
		Service: key.Service,
		Object:  key.Object,
		Kind:    Event(key.Event),
		Content: content,
	}
}
