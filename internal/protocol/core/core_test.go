package core

import (
	"errors"
	"testing"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/protocol/schema"
	"github.com/danmuck/muxsession/internal/protocol/tlv"
	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	key := envelope.EventKey{Service: 7, Object: 3, Event: 1}
	reqs := []Request{
		GetService("settings"),
		HasService("settings"),
		ReleaseObject(envelope.Target{Service: 7, Object: 3}),
		EnableEvent(key),
		DisableEvent(key),
	}
	for _, in := range reqs {
		b, err := EncodeRequest(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Op, err)
		}
		out, err := DecodeRequest(b)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Op, err)
		}
		if out != in {
			t.Fatalf("request mismatch: in=%+v out=%+v", in, out)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	resps := []Response{
		{Op: OpGetService, Success: true, Service: 7},
		{Op: OpGetService, Success: false, Service: 0},
		{Op: OpHasService, Success: true},
		{Op: OpReleaseObject, Success: false},
		{Op: OpEnableEvent, Success: true},
		{Op: OpDisableEvent, Success: false},
	}
	for _, in := range resps {
		b, err := EncodeResponse(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Op, err)
		}
		out, err := DecodeResponse(b)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Op, err)
		}
		if out != in {
			t.Fatalf("response mismatch: in=%+v out=%+v", in, out)
		}
	}
}

func TestEncodeRequestRejectsEmptyName(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeRequest(GetService("  ")); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDecodeRequestAcceptsBlankName(t *testing.T) {
	testlog.Start(t)
	for _, op := range []Op{OpGetService, OpHasService} {
		b := tlv.EncodeFields([]tlv.Field{
			tlv.U32(schema.FieldOp, uint32(op)),
			tlv.String(schema.FieldName, " "),
		})
		req, err := DecodeRequest(b)
		if err != nil {
			t.Fatalf("%s: decode blank name: %v", op, err)
		}
		if req.Op != op || req.Name != " " {
			t.Fatalf("%s: got %+v", op, req)
		}
	}
}

func TestDecodeRequestUnknownOp(t *testing.T) {
	testlog.Start(t)
	b := tlv.EncodeFields([]tlv.Field{tlv.U32(schema.FieldOp, 77)})
	if _, err := DecodeRequest(b); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestDecodeRequestMissingField(t *testing.T) {
	testlog.Start(t)
	b := tlv.EncodeFields([]tlv.Field{
		tlv.U32(schema.FieldOp, uint32(OpEnableEvent)),
		tlv.U32(schema.FieldTargetService, 7),
	})
	_, err := DecodeRequest(b)
	var ve schema.ValidationError
	if !errors.As(err, &ve) || ve.FieldID != schema.FieldTargetObject {
		t.Fatalf("expected missing target object, got %v", err)
	}
}

func TestDecodeRequestWithoutOp(t *testing.T) {
	testlog.Start(t)
	b := tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldName, "settings")})
	_, err := DecodeRequest(b)
	var ve schema.ValidationError
	if !errors.As(err, &ve) || ve.FieldID != schema.FieldOp {
		t.Fatalf("expected missing op, got %v", err)
	}
}

func TestDecodeResponseRejectsRequestOp(t *testing.T) {
	testlog.Start(t)
	b, err := EncodeRequest(HasService("settings"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeResponse(b); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp decoding a request as response, got %v", err)
	}
}
