package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "alice"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestTypedAccessors(t *testing.T) {
	if v, err := U64(1, 1<<40).AsU64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: %d %v", v, err)
	}
	if v, err := U32(1, 7).AsU32(); err != nil || v != 7 {
		t.Fatalf("u32: %d %v", v, err)
	}
	if v, err := U8(1, 3).AsU8(); err != nil || v != 3 {
		t.Fatalf("u8: %d %v", v, err)
	}
	if _, err := String(1, "x").AsU64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := (Field{ID: 1, Type: TypeU64, Value: []byte{1}}).AsU64(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestWalkStopsEarlyWithoutTouchingRemainder(t *testing.T) {
	payload := EncodeFields([]Field{String(1, "a"), String(2, "b")})
	// Corrupt the tail; an early stop must not reach it.
	payload = append(payload, 0x01)
	var seen []uint16
	err := Walk(payload, func(id uint16, _ uint8, _ []byte) bool {
		seen = append(seen, id)
		return id != 2
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("unexpected visit order: %v", seen)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
