package schema

import (
	"fmt"

	"github.com/danmuck/muxsession/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Core request and response ops are carried in FieldOp of
// service 0 envelope content.
const (
	MsgEnvelope uint32 = 1
	MsgHello    uint32 = 2
	MsgHelloAck uint32 = 3

	MsgGetService    uint32 = 101
	MsgHasService    uint32 = 102
	MsgReleaseObject uint32 = 103
	MsgEnableEvent   uint32 = 104
	MsgDisableEvent  uint32 = 105

	MsgGetServiceResult    uint32 = 201
	MsgHasServiceResult    uint32 = 202
	MsgReleaseObjectResult uint32 = 203
	MsgEnableEventResult   uint32 = 204
	MsgDisableEventResult  uint32 = 205
)

// Field IDs.
const (
	FieldService   uint16 = 1
	FieldObject    uint16 = 2
	FieldKind      uint16 = 3
	FieldRequestID uint16 = 4
	FieldContent   uint16 = 5
	FieldEvent     uint16 = 6

	FieldOp            uint16 = 10
	FieldName          uint16 = 11
	FieldTargetService uint16 = 12
	FieldTargetObject  uint16 = 13
	FieldTargetEvent   uint16 = 14

	FieldSuccess uint16 = 20

	FieldPeer      uint16 = 30
	FieldSessionID uint16 = 31
	FieldAccepted  uint16 = 32
	FieldMessage   uint16 = 33
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var targetFields = []Requirement{
	{FieldTargetService, tlv.TypeU32},
	{FieldTargetObject, tlv.TypeU32},
}

var eventFields = []Requirement{
	{FieldTargetService, tlv.TypeU32},
	{FieldTargetObject, tlv.TypeU32},
	{FieldTargetEvent, tlv.TypeU32},
}

var resultFields = []Requirement{
	{FieldSuccess, tlv.TypeBool},
}

var requirements = map[uint32][]Requirement{
	MsgEnvelope: {
		{FieldService, tlv.TypeU32},
		{FieldObject, tlv.TypeU32},
		{FieldKind, tlv.TypeU8},
	},
	MsgHello: {{FieldPeer, tlv.TypeString}},
	MsgHelloAck: {
		{FieldAccepted, tlv.TypeBool},
		{FieldSessionID, tlv.TypeString},
	},
	MsgGetService:    {{FieldName, tlv.TypeString}},
	MsgHasService:    {{FieldName, tlv.TypeString}},
	MsgReleaseObject: targetFields,
	MsgEnableEvent:   eventFields,
	MsgDisableEvent:  eventFields,

	MsgGetServiceResult: {
		{FieldSuccess, tlv.TypeBool},
		{FieldTargetService, tlv.TypeU32},
	},
	MsgHasServiceResult:    resultFields,
	MsgReleaseObjectResult: resultFields,
	MsgEnableEventResult:   resultFields,
	MsgDisableEventResult:  resultFields,
}

// Known reports whether messageType has a registered schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored by design.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
