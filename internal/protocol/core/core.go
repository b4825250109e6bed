// Package core owns the wire schema of the core registry service (service 0).
//
// Requests and responses travel as the content of service 0 envelopes, encoded
// as TLV fields with the op carried in schema.FieldOp.
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/protocol/schema"
	"github.com/danmuck/muxsession/internal/protocol/tlv"
)

var (
	ErrUnknownOp      = errors.New("core: unknown op")
	ErrInvalidRequest = errors.New("core: invalid request")
)

// Op identifies one core request.
type Op uint32

const (
	OpGetService    = Op(schema.MsgGetService)
	OpHasService    = Op(schema.MsgHasService)
	OpReleaseObject = Op(schema.MsgReleaseObject)
	OpEnableEvent   = Op(schema.MsgEnableEvent)
	OpDisableEvent  = Op(schema.MsgDisableEvent)
)

func (o Op) String() string {
	switch o {
	case OpGetService:
		return "GetService"
	case OpHasService:
		return "HasService"
	case OpReleaseObject:
		return "ReleaseObject"
	case OpEnableEvent:
		return "EnableEvent"
	case OpDisableEvent:
		return "DisableEvent"
	default:
		return fmt.Sprintf("Op(%d)", uint32(o))
	}
}

// resultType maps a request op to its response message type.
func (o Op) resultType() uint32 {
	return uint32(o) + (schema.MsgGetServiceResult - schema.MsgGetService)
}

func opFromResult(messageType uint32) Op {
	return Op(messageType - (schema.MsgGetServiceResult - schema.MsgGetService))
}

// Request is one core request. Only the fields relevant to Op are encoded.
type Request struct {
	Op      Op
	Name    string
	Service envelope.ServiceID
	Object  envelope.ObjectID
	Event   envelope.EventID
}

func GetService(name string) Request { return Request{Op: OpGetService, Name: name} }

func HasService(name string) Request { return Request{Op: OpHasService, Name: name} }

func ReleaseObject(t envelope.Target) Request {
	return Request{Op: OpReleaseObject, Service: t.Service, Object: t.Object}
}

func EnableEvent(k envelope.EventKey) Request {
	return Request{Op: OpEnableEvent, Service: k.Service, Object: k.Object, Event: k.Event}
}

func DisableEvent(k envelope.EventKey) Request {
	return Request{Op: OpDisableEvent, Service: k.Service, Object: k.Object, Event: k.Event}
}

func (r Request) Target() envelope.Target {
	return envelope.Target{Service: r.Service, Object: r.Object}
}

func (r Request) EventKey() envelope.EventKey {
	return envelope.EventKey{Service: r.Service, Object: r.Object, Event: r.Event}
}

// Validate checks request shape before encoding.
func (r Request) Validate() error {
	switch r.Op {
	case OpGetService, OpHasService:
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: %s missing name", ErrInvalidRequest, r.Op)
		}
	case OpReleaseObject, OpEnableEvent, OpDisableEvent:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOp, uint32(r.Op))
	}
	return nil
}

// Response is one core response. Service is only meaningful for GetService.
type Response struct {
	Op      Op
	Success bool
	Service envelope.ServiceID
}

func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{tlv.U32(schema.FieldOp, uint32(r.Op))}
	switch r.Op {
	case OpGetService, OpHasService:
		fields = append(fields, tlv.String(schema.FieldName, r.Name))
	case OpReleaseObject:
		fields = append(fields,
			tlv.U32(schema.FieldTargetService, uint32(r.Service)),
			tlv.U32(schema.FieldTargetObject, uint32(r.Object)),
		)
	case OpEnableEvent, OpDisableEvent:
		fields = append(fields,
			tlv.U32(schema.FieldTargetService, uint32(r.Service)),
			tlv.U32(schema.FieldTargetObject, uint32(r.Object)),
			tlv.U32(schema.FieldTargetEvent, uint32(r.Event)),
		)
	}
	if err := schema.Validate(uint32(r.Op), fields); err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

// DecodeRequest does not apply Validate: a blank name is a well-formed
// lookup that simply finds nothing.
func DecodeRequest(content []byte) (Request, error) {
	fields, op, err := decodeOp(content)
	if err != nil {
		return Request{}, err
	}
	req := Request{Op: Op(op)}
	switch req.Op {
	case OpGetService, OpHasService:
	case OpReleaseObject, OpEnableEvent, OpDisableEvent:
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownOp, op)
	}
	if err := schema.Validate(op, fields); err != nil {
		return Request{}, err
	}
	switch req.Op {
	case OpGetService, OpHasService:
		f, _ := tlv.GetField(fields, schema.FieldName)
		req.Name, _ = f.AsString()
	case OpReleaseObject:
		req.Service = envelope.ServiceID(getU32(fields, schema.FieldTargetService))
		req.Object = envelope.ObjectID(getU32(fields, schema.FieldTargetObject))
	case OpEnableEvent, OpDisableEvent:
		req.Service = envelope.ServiceID(getU32(fields, schema.FieldTargetService))
		req.Object = envelope.ObjectID(getU32(fields, schema.FieldTargetObject))
		req.Event = envelope.EventID(getU32(fields, schema.FieldTargetEvent))
	}
	return req, nil
}

func EncodeResponse(r Response) ([]byte, error) {
	switch r.Op {
	case OpGetService, OpHasService, OpReleaseObject, OpEnableEvent, OpDisableEvent:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, uint32(r.Op))
	}
	fields := []tlv.Field{
		tlv.U32(schema.FieldOp, r.Op.resultType()),
		tlv.Bool(schema.FieldSuccess, r.Success),
	}
	if r.Op == OpGetService {
		fields = append(fields, tlv.U32(schema.FieldTargetService, uint32(r.Service)))
	}
	return tlv.EncodeFields(fields), nil
}

func DecodeResponse(content []byte) (Response, error) {
	fields, messageType, err := decodeOp(content)
	if err != nil {
		return Response{}, err
	}
	op := opFromResult(messageType)
	switch op {
	case OpGetService, OpHasService, OpReleaseObject, OpEnableEvent, OpDisableEvent:
	default:
		return Response{}, fmt.Errorf("%w: result %d", ErrUnknownOp, messageType)
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return Response{}, err
	}
	resp := Response{Op: op}
	f, _ := tlv.GetField(fields, schema.FieldSuccess)
	resp.Success, err = f.AsBool()
	if err != nil {
		return Response{}, err
	}
	if op == OpGetService {
		resp.Service = envelope.ServiceID(getU32(fields, schema.FieldTargetService))
	}
	return resp, nil
}

func decodeOp(content []byte) ([]tlv.Field, uint32, error) {
	fields, err := tlv.DecodeFields(content)
	if err != nil {
		return nil, 0, err
	}
	f, ok := tlv.GetField(fields, schema.FieldOp)
	if !ok {
		return nil, 0, schema.ValidationError{FieldID: schema.FieldOp, Reason: "missing required field"}
	}
	op, err := f.AsU32()
	if err != nil {
		return nil, 0, err
	}
	return fields, op, nil
}

// getU32 reads a field already checked by schema.Validate.
func getU32(fields []tlv.Field, id uint16) uint32 {
	f, _ := tlv.GetField(fields, id)
	v, _ := f.AsU32()
	return v
}
