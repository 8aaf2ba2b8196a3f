// Package router dispatches decrypted inner messages to opcode
// handlers. The dispatch table is built once at startup; lookups branch
// on the raw 32-bit opcode, never on constructor names.
package router

import (
	"errors"
	"fmt"

	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

// ErrUnknownOpcode marks a constructor with no handler. It is non-fatal:
// the router answers with a structured rpc_error and the connection
// stays open.
var ErrUnknownOpcode = errors.New("router: no handler for opcode")

// RequestContext carries per-request metadata handlers may consult.
type RequestContext struct {
	// PeerAddr is the remote address of the originating connection.
	PeerAddr string
	// Country is an optional geographic hint for DC-selection opcodes.
	Country string
}

// Handler processes one inner message. A nil reply with a nil error
// means "no response" (acknowledgments and the like). Handlers fill
// Opcode and Payload; the router owns the envelope fields.
type Handler func(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error)

// Router is an immutable opcode dispatch table. Safe for concurrent use
// once built.
type Router struct {
	handlers map[uint32]Handler
}

// New builds the dispatch table over the given DC registry.
func New(registry *DCRegistry) *Router {
	r := &Router{handlers: make(map[uint32]Handler)}
	r.register(protocol.OpPing, handlePing)
	r.register(protocol.OpMsgsAck, handleMsgsAck)
	r.register(protocol.OpGetConfig, configHandler(registry))
	r.register(protocol.OpGetNearestDC, nearestDCHandler(registry))
	r.register(protocol.OpInitConnection, initConnectionHandler(registry))
	r.register(protocol.OpGetUsers, handleGetUsers)
	r.register(protocol.OpGetUpdates, handleGetUpdates)
	r.register(protocol.OpGetDifference, handleGetDifference)
	return r
}

func (r *Router) register(opcode uint32, h Handler) {
	if _, dup := r.handlers[opcode]; dup {
		panic(fmt.Sprintf("router: duplicate handler for 0x%08x", opcode))
	}
	r.handlers[opcode] = h
}

// Dispatch routes one decrypted inner message and returns the reply, or
// nil when the message needs none. Containers are unpacked and each
// sub-message dispatched independently; their replies are repacked into
// a container only when at least one sub-handler answered. Unknown
// opcodes produce an rpc_error reply, never a dispatch failure.
func (r *Router) Dispatch(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	if msg.Opcode == protocol.OpMsgContainer {
		return r.dispatchContainer(ctx, msg)
	}

	h, ok := r.handlers[msg.Opcode]
	if !ok {
		return r.notImplemented(msg), nil
	}
	reply, err := h(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.ConstructorName(msg.Opcode), err)
	}
	if reply == nil {
		return nil, nil
	}
	return r.finishReply(msg, reply), nil
}

// finishReply fills the envelope fields a handler leaves alone.
func (r *Router) finishReply(req, reply *protocol.InnerMessage) *protocol.InnerMessage {
	reply.Salt = req.Salt
	reply.SessionID = req.SessionID
	reply.MessageID = protocol.GenerateMessageID()
	reply.SeqNo = req.SeqNo + 1
	return reply
}

// notImplemented is the fallback for opcodes outside the table: a
// structured rpc_error naming the constructor, in place of proxying the
// call to an upstream DC.
func (r *Router) notImplemented(req *protocol.InnerMessage) *protocol.InnerMessage {
	w := tl.NewWriter()
	w.WriteUint64(req.MessageID)
	w.WriteInt32(404)
	w.WriteString([]byte(fmt.Sprintf("NOT_IMPLEMENTED: %s (0x%08x)",
		protocol.ConstructorName(req.Opcode), req.Opcode)))

	return r.finishReply(req, &protocol.InnerMessage{
		Opcode:  protocol.OpRPCError,
		Payload: w.Bytes(),
	})
}

// dispatchContainer unpacks a msg_container payload:
//
//	count:int32 | (msg_id:int64 | seq_no:int32 | length:int32 | body)...
//
// where each body is an opcode plus its fields. Sub-messages inherit
// the container's salt and session.
func (r *Router) dispatchContainer(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	rd := tl.NewReader(msg.Payload)
	count, err := rd.ReadInt32()
	if err != nil {
		return nil, err
	}

	var replies []*protocol.InnerMessage
	for i := int32(0); i < count; i++ {
		msgID, err := rd.ReadUint64()
		if err != nil {
			return nil, err
		}
		seqNo, err := rd.ReadInt32()
		if err != nil {
			return nil, err
		}
		length, err := rd.ReadInt32()
		if err != nil {
			return nil, err
		}
		body, err := rd.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		if len(body) < 4 {
			return nil, protocol.ErrMessageTooShort
		}

		br := tl.NewReader(body)
		opcode, _ := br.ReadUint32()
		sub := &protocol.InnerMessage{
			Salt:      msg.Salt,
			SessionID: msg.SessionID,
			MessageID: msgID,
			SeqNo:     seqNo,
			Opcode:    opcode,
			Payload:   body[4:],
		}
		reply, err := r.Dispatch(ctx, sub)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}

	if len(replies) == 0 {
		return nil, nil
	}
	return r.finishReply(msg, packContainer(replies)), nil
}

// packContainer re-wraps reply messages into a msg_container payload.
func packContainer(replies []*protocol.InnerMessage) *protocol.InnerMessage {
	w := tl.NewWriter()
	w.WriteInt32(int32(len(replies)))
	for _, reply := range replies {
		w.WriteUint64(reply.MessageID)
		w.WriteInt32(reply.SeqNo)
		w.WriteInt32(int32(4 + len(reply.Payload)))
		w.WriteUint32(reply.Opcode)
		w.WriteBytes(reply.Payload)
	}
	return &protocol.InnerMessage{
		Opcode:  protocol.OpMsgContainer,
		Payload: w.Bytes(),
	}
}
