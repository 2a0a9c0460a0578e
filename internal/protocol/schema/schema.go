package schema

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgPrimarySignon   uint32 = 1
	MsgSecondarySignon uint32 = 2
	MsgResignon        uint32 = 3
	MsgSignonVerdict   uint32 = 4
	MsgPing            uint32 = 5
	MsgPong            uint32 = 6
	MsgSignout         uint32 = 7
	MsgCommand         uint32 = 8
)

// Field IDs.
const (
	FieldLogin         uint16 = 1
	FieldPassword      uint16 = 2
	FieldSecondaryCode uint16 = 3
	FieldSessionID     uint16 = 4

	FieldStep    uint16 = 50
	FieldFailure uint16 = 51
	FieldMessage uint16 = 52

	FieldKind    uint16 = 100
	FieldStamp   uint16 = 101
	FieldCause   uint16 = 102
	FieldTag     uint16 = 103
	FieldPayload uint16 = 104

	FieldTimestampMS uint16 = 200
)

var messageNames = map[uint32]string{
	MsgPrimarySignon:   "primary_signon",
	MsgSecondarySignon: "secondary_signon",
	MsgResignon:        "resignon",
	MsgSignonVerdict:   "signon_verdict",
	MsgPing:            "ping",
	MsgPong:            "pong",
	MsgSignout:         "signout",
	MsgCommand:         "command",
}

// Name returns a log-friendly name for a message type.
func Name(messageType uint32) string {
	if n, ok := messageNames[messageType]; ok {
		return n
	}
	return fmt.Sprintf("message_type(%d)", messageType)
}

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

var requirements = map[uint32][]Requirement{
	MsgPrimarySignon: {
		{FieldLogin, tlv.TypeString},
		{FieldPassword, tlv.TypeString},
	},
	MsgSecondarySignon: {
		{FieldSecondaryCode, tlv.TypeString},
	},
	MsgResignon: {
		{FieldSessionID, tlv.TypeString},
	},
	MsgSignonVerdict: {
		{FieldStep, tlv.TypeString},
	},
	MsgPing:    {},
	MsgPong:    {},
	MsgSignout: {},
	MsgCommand: {
		{FieldKind, tlv.TypeU8},
		{FieldStamp, tlv.TypeU64},
		{FieldPayload, tlv.TypeBytes},
	},
}

// optional lists fields that may be absent but must carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgSignonVerdict: {
		{FieldFailure, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
	MsgPing: {{FieldTimestampMS, tlv.TypeU64}},
	MsgPong: {{FieldTimestampMS, tlv.TypeU64}},
	MsgCommand: {
		{FieldCause, tlv.TypeU64},
		{FieldTag, tlv.TypeString},
		{FieldSessionID, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		f, found := tlv.GetField(fields, opt.ID)
		if found && f.Type != opt.Type {
			return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Msgf("schema.Validate ok message_type=%d", messageType)
	return nil
}
