package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/stamp"
)

var (
	ErrUnknownMessage = errors.New("session: unknown message type")
	ErrInvalidMessage = errors.New("session: invalid message")
)

// Message is one session-level wire message.
type Message interface {
	MessageType() uint32
	fields() ([]tlv.Field, error)
}

// PrimarySignon carries the credential of a first signon step.
type PrimarySignon struct {
	Login    string
	Password string
}

// SecondarySignon carries the one-time code of a second signon step.
type SecondarySignon struct {
	Code string
}

// Resignon asks the upend to rebind an orphaned session to a new channel.
type Resignon struct {
	SessionID string
}

// VerdictStep is the outcome class of a signon step.
type VerdictStep string

const (
	StepSecondaryRequired VerdictStep = "secondary_required"
	StepSignedIn          VerdictStep = "signed_in"
	StepFailed            VerdictStep = "failed"
)

// SignonVerdict is the upend's answer to any signon step.
type SignonVerdict struct {
	Step      VerdictStep
	Failure   signon.Kind
	SessionID string
	Message   string
}

// Err returns the verdict failure, or nil unless Step is StepFailed.
func (v SignonVerdict) Err() error {
	if v.Step != StepFailed {
		return nil
	}
	return signon.NewFailure(v.Failure, v.Message)
}

type Ping struct {
	TimestampMS uint64
}

type Pong struct {
	TimestampMS uint64
}

// Signout ends the session the channel is bound to.
type Signout struct{}

// Command carries one application unit of work and its routing designator.
// Payload is opaque here; the codec package encodes it.
type Command struct {
	Designator designator.Designator
	Payload    []byte
}

func (PrimarySignon) MessageType() uint32   { return schema.MsgPrimarySignon }
func (SecondarySignon) MessageType() uint32 { return schema.MsgSecondarySignon }
func (Resignon) MessageType() uint32        { return schema.MsgResignon }
func (SignonVerdict) MessageType() uint32   { return schema.MsgSignonVerdict }
func (Ping) MessageType() uint32            { return schema.MsgPing }
func (Pong) MessageType() uint32            { return schema.MsgPong }
func (Signout) MessageType() uint32         { return schema.MsgSignout }
func (Command) MessageType() uint32         { return schema.MsgCommand }

func (m PrimarySignon) fields() ([]tlv.Field, error) {
	return []tlv.Field{
		tlv.String(schema.FieldLogin, m.Login),
		tlv.String(schema.FieldPassword, m.Password),
	}, nil
}

func (m SecondarySignon) fields() ([]tlv.Field, error) {
	return []tlv.Field{tlv.String(schema.FieldSecondaryCode, m.Code)}, nil
}

func (m Resignon) fields() ([]tlv.Field, error) {
	if strings.TrimSpace(m.SessionID) == "" {
		return nil, fmt.Errorf("%w: resignon missing session_id", ErrInvalidMessage)
	}
	return []tlv.Field{tlv.String(schema.FieldSessionID, m.SessionID)}, nil
}

func (m SignonVerdict) fields() ([]tlv.Field, error) {
	switch m.Step {
	case StepSecondaryRequired, StepSignedIn:
	case StepFailed:
		if m.Failure == 0 {
			return nil, fmt.Errorf("%w: failed verdict missing failure", ErrInvalidMessage)
		}
	default:
		return nil, fmt.Errorf("%w: verdict step %q", ErrInvalidMessage, m.Step)
	}
	if m.Step == StepSignedIn && strings.TrimSpace(m.SessionID) == "" {
		return nil, fmt.Errorf("%w: signed_in verdict missing session_id", ErrInvalidMessage)
	}
	out := []tlv.Field{tlv.String(schema.FieldStep, string(m.Step))}
	if m.Failure != 0 {
		out = append(out, tlv.String(schema.FieldFailure, m.Failure.String()))
	}
	if m.SessionID != "" {
		out = append(out, tlv.String(schema.FieldSessionID, m.SessionID))
	}
	if m.Message != "" {
		out = append(out, tlv.String(schema.FieldMessage, m.Message))
	}
	return out, nil
}

func (m Ping) fields() ([]tlv.Field, error) {
	return timestampFields(m.TimestampMS), nil
}

func (m Pong) fields() ([]tlv.Field, error) {
	return timestampFields(m.TimestampMS), nil
}

func (Signout) fields() ([]tlv.Field, error) { return nil, nil }

func (m Command) fields() ([]tlv.Field, error) {
	d := m.Designator
	if err := d.Validate(); err != nil {
		return nil, err
	}
	out := []tlv.Field{
		tlv.U8(schema.FieldKind, uint8(d.Kind())),
		tlv.U64(schema.FieldStamp, uint64(d.Stamp())),
		tlv.Bytes(schema.FieldPayload, m.Payload),
	}
	if d.HasCause() {
		out = append(out, tlv.U64(schema.FieldCause, uint64(d.Cause())))
	}
	if d.Tag() != "" {
		out = append(out, tlv.String(schema.FieldTag, d.Tag()))
	}
	if d.SessionID() != "" {
		out = append(out, tlv.String(schema.FieldSessionID, d.SessionID()))
	}
	return out, nil
}

func timestampFields(ts uint64) []tlv.Field {
	if ts == 0 {
		return nil
	}
	return []tlv.Field{tlv.U64(schema.FieldTimestampMS, ts)}
}

// EncodeFrame validates msg and wraps it into a frame.
func EncodeFrame(messageID uint64, msg Message) (frame.Frame, error) {
	fields, err := msg.fields()
	if err != nil {
		return frame.Frame{}, err
	}
	if err := schema.Validate(msg.MessageType(), fields); err != nil {
		return frame.Frame{}, err
	}
	var flags uint32
	if v, ok := msg.(SignonVerdict); ok {
		flags |= frame.FlagIsResponse
		if v.Step == StepFailed {
			flags |= frame.FlagIsError
		}
	}
	if _, ok := msg.(Pong); ok {
		flags |= frame.FlagIsResponse
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: msg.MessageType(),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// DecodeFrame parses a frame into its typed message.
func DecodeFrame(f frame.Frame) (Message, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(f.Type(), fields); err != nil {
		if ve, ok := err.(schema.ValidationError); ok && ve.FieldID == 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Type())
		}
		return nil, err
	}
	switch f.Type() {
	case schema.MsgPrimarySignon:
		return PrimarySignon{
			Login:    stringField(fields, schema.FieldLogin),
			Password: stringField(fields, schema.FieldPassword),
		}, nil
	case schema.MsgSecondarySignon:
		return SecondarySignon{Code: stringField(fields, schema.FieldSecondaryCode)}, nil
	case schema.MsgResignon:
		return Resignon{SessionID: stringField(fields, schema.FieldSessionID)}, nil
	case schema.MsgSignonVerdict:
		v := SignonVerdict{
			Step:      VerdictStep(stringField(fields, schema.FieldStep)),
			SessionID: stringField(fields, schema.FieldSessionID),
			Message:   stringField(fields, schema.FieldMessage),
		}
		if raw := stringField(fields, schema.FieldFailure); raw != "" {
			v.Failure = signon.ParseKind(raw)
		}
		if v.Step == StepFailed && v.Failure == 0 {
			v.Failure = signon.Unexpected
		}
		return v, nil
	case schema.MsgPing:
		ts, err := u64Field(fields, schema.FieldTimestampMS)
		return Ping{TimestampMS: ts}, err
	case schema.MsgPong:
		ts, err := u64Field(fields, schema.FieldTimestampMS)
		return Pong{TimestampMS: ts}, err
	case schema.MsgSignout:
		return Signout{}, nil
	case schema.MsgCommand:
		d, err := routingFromFields(fields)
		if err != nil {
			return nil, err
		}
		payload, _ := tlv.GetField(fields, schema.FieldPayload)
		return Command{Designator: d, Payload: payload.Value}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, f.Type())
}

// PeekRouting extracts the designator of a command frame without copying
// or decoding its payload.
func PeekRouting(f frame.Frame) (designator.Designator, error) {
	if f.Type() != schema.MsgCommand {
		return designator.Designator{}, fmt.Errorf("%w: %s carries no designator", ErrInvalidMessage, schema.Name(f.Type()))
	}
	var (
		kind         uint8
		s, cause     uint64
		tag, session string
		sawKind      bool
		walkErr      error
	)
	err := tlv.Walk(f.Payload, func(id uint16, typeID uint8, value []byte) bool {
		switch id {
		case schema.FieldKind:
			if typeID != tlv.TypeU8 || len(value) != 1 {
				walkErr = fmt.Errorf("%w: kind field", ErrInvalidMessage)
				return false
			}
			kind, sawKind = value[0], true
		case schema.FieldStamp:
			s, walkErr = tlv.U64FromBytes(value)
		case schema.FieldCause:
			cause, walkErr = tlv.U64FromBytes(value)
		case schema.FieldTag:
			tag = string(value)
		case schema.FieldSessionID:
			session = string(value)
		}
		return walkErr == nil
	})
	if err != nil {
		return designator.Designator{}, err
	}
	if walkErr != nil {
		return designator.Designator{}, walkErr
	}
	if !sawKind {
		return designator.Designator{}, fmt.Errorf("%w: command missing kind", ErrInvalidMessage)
	}
	return designator.New(designator.Kind(kind), stamp.Stamp(s), stamp.Stamp(cause), tag, session)
}

func routingFromFields(fields []tlv.Field) (designator.Designator, error) {
	kindField, _ := tlv.GetField(fields, schema.FieldKind)
	kind, err := kindField.AsU8()
	if err != nil {
		return designator.Designator{}, err
	}
	s, err := u64Field(fields, schema.FieldStamp)
	if err != nil {
		return designator.Designator{}, err
	}
	cause, err := u64Field(fields, schema.FieldCause)
	if err != nil {
		return designator.Designator{}, err
	}
	return designator.New(
		designator.Kind(kind),
		stamp.Stamp(s),
		stamp.Stamp(cause),
		stringField(fields, schema.FieldTag),
		stringField(fields, schema.FieldSessionID),
	)
}

func stringField(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func u64Field(fields []tlv.Field, id uint16) (uint64, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return f.AsU64()
}
