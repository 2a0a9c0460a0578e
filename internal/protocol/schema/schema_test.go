package schema

import (
	"testing"

	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestValidatePrimarySignonRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldLogin, "alice"),
		tlv.String(FieldPassword, "hunter2"),
	}
	if err := Validate(MsgPrimarySignon, fields); err != nil {
		t.Fatalf("validate primary signon: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldSessionID, "sess-1"),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgResignon, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldLogin, "alice")}
	err := Validate(MsgPrimarySignon, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldPassword || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldKind, 1),
		tlv.String(FieldStamp, "not-a-number"),
		tlv.Bytes(FieldPayload, nil),
	}
	err := Validate(MsgCommand, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldStamp || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateOptionalFieldTypeChecked(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U8(FieldKind, 1),
		tlv.U64(FieldStamp, 10),
		tlv.Bytes(FieldPayload, []byte("{}")),
		tlv.String(FieldCause, "oops"),
	}
	err := Validate(MsgCommand, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldCause {
		t.Fatalf("expected cause type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if err := Validate(999, nil); err == nil {
		t.Fatalf("expected unknown message type error")
	}
	if Name(MsgPing) != "ping" || Name(999) == "" {
		t.Fatalf("unexpected names")
	}
}
