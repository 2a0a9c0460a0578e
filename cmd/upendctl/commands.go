package main

import (
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/protocol/codec"
	"github.com/rs/zerolog/log"
)

type answerer interface {
	Answer(upward designator.Designator, payload []byte) bool
}

// commandHandler answers the built-in upward commands.
type commandHandler struct {
	out   answerer
	codec codec.Codec
	now   func() time.Time
}

func newCommandHandler(out answerer) *commandHandler {
	return &commandHandler{out: out, codec: codec.JSON{}, now: time.Now}
}

type errorReply struct {
	Error string `json:"error"`
}

func (h *commandHandler) Command(d designator.Designator, payload []byte) {
	var reply any
	switch d.Tag() {
	case "echo":
		h.out.Answer(d, payload)
		return
	case "time":
		reply = map[string]string{"now": h.now().UTC().Format(time.RFC3339)}
	case "whoami":
		reply = map[string]string{"session_id": d.SessionID()}
	case "upper":
		var text string
		if err := codec.Unmarshal(h.codec, payload, &text); err != nil {
			reply = errorReply{Error: "upper expects a string: " + err.Error()}
			break
		}
		reply = strings.ToUpper(text)
	default:
		reply = errorReply{Error: "unknown command " + d.Tag()}
	}
	out, err := codec.Marshal(h.codec, reply)
	if err != nil {
		log.Error().Msgf("upendctl.commandHandler encode tag=%s err=%v", d.Tag(), err)
		return
	}
	h.out.Answer(d, out)
}
