package router

import (
	"errors"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

// ErrMalformedPayload marks a handler payload that does not match its
// constructor schema. Fatal to the message, not the connection.
var ErrMalformedPayload = errors.New("router: malformed payload")

// DCOption is one data center visible to clients.
type DCOption struct {
	ID   int32
	Addr multiaddr.Multiaddr
}

// DCRegistry is the static table of data centers this gateway serves
// config queries from.
type DCRegistry struct {
	ThisDC  int32
	Options []DCOption
}

// Nearest picks the DC for a client hint. Geographic prediction is an
// upstream optimization concern; this gateway always claims itself.
func (reg *DCRegistry) Nearest(country string) int32 {
	return reg.ThisDC
}

// handlePing answers ping with a pong echoing the request message id
// and ping id.
func handlePing(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	r := tl.NewReader(msg.Payload)
	pingID, err := r.ReadUint64()
	if err != nil {
		return nil, ErrMalformedPayload
	}

	w := tl.NewWriter()
	w.WriteUint64(msg.MessageID)
	w.WriteUint64(pingID)
	return &protocol.InnerMessage{Opcode: protocol.OpPong, Payload: w.Bytes()}, nil
}

// handleMsgsAck consumes an acknowledgment batch. Acks never get a
// reply; the payload is parsed only to reject garbage.
func handleMsgsAck(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	r := tl.NewReader(msg.Payload)
	tag, err := r.ReadUint32()
	if err != nil || tag != tl.VectorTag {
		return nil, ErrMalformedPayload
	}
	if _, err := r.ReadVector(tl.VectorInt64); err != nil {
		return nil, ErrMalformedPayload
	}
	return nil, nil
}

// encodeConfig writes the config constructor body shared by getConfig
// and initConnection replies: this_dc, date, expiry, and the DC option
// table as (id, multiaddr-string) pairs.
func encodeConfig(registry *DCRegistry) []byte {
	now := time.Now().Unix()
	w := tl.NewWriter()
	w.WriteInt32(registry.ThisDC)
	w.WriteInt32(int32(now))
	w.WriteInt32(int32(now + 3600))
	w.WriteInt32(int32(len(registry.Options)))
	for _, opt := range registry.Options {
		w.WriteInt32(opt.ID)
		w.WriteString([]byte(opt.Addr.String()))
	}
	return w.Bytes()
}

func configHandler(registry *DCRegistry) Handler {
	return func(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
		return &protocol.InnerMessage{
			Opcode:  protocol.OpConfig,
			Payload: encodeConfig(registry),
		}, nil
	}
}

func nearestDCHandler(registry *DCRegistry) Handler {
	return func(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
		w := tl.NewWriter()
		w.WriteString([]byte(ctx.Country))
		w.WriteInt32(registry.ThisDC)
		w.WriteInt32(registry.Nearest(ctx.Country))
		return &protocol.InnerMessage{Opcode: protocol.OpNearestDC, Payload: w.Bytes()}, nil
	}
}

// initConnectionHandler parses the client identification fields and
// answers with the current config, the same body a getConfig gets.
func initConnectionHandler(registry *DCRegistry) Handler {
	return func(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
		r := tl.NewReader(msg.Payload)
		if _, err := r.ReadInt32(); err != nil { // api_id
			return nil, ErrMalformedPayload
		}
		for i := 0; i < 4; i++ { // device_model, system_version, app_version, lang_code
			if _, err := r.ReadString(); err != nil {
				return nil, ErrMalformedPayload
			}
		}
		return &protocol.InnerMessage{
			Opcode:  protocol.OpConfig,
			Payload: encodeConfig(registry),
		}, nil
	}
}

// handleGetUsers returns an empty user vector. This gateway terminates
// the session layer only; user data lives upstream.
func handleGetUsers(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	r := tl.NewReader(msg.Payload)
	tag, err := r.ReadUint32()
	if err != nil || tag != tl.VectorTag {
		return nil, ErrMalformedPayload
	}
	if _, err := r.ReadVector(tl.VectorInt64); err != nil {
		return nil, ErrMalformedPayload
	}

	w := tl.NewWriter()
	w.WriteUint64(msg.MessageID)
	w.WriteVectorInt64(nil)
	return &protocol.InnerMessage{Opcode: protocol.OpRPCResult, Payload: w.Bytes()}, nil
}

// handleGetUpdates answers updates.getState with a zero state stamped
// at the current time.
func handleGetUpdates(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	w := tl.NewWriter()
	w.WriteInt32(0) // pts
	w.WriteInt32(0) // qts
	w.WriteInt32(int32(time.Now().Unix()))
	w.WriteInt32(0) // seq
	w.WriteInt32(0) // unread_count
	return &protocol.InnerMessage{Opcode: protocol.OpUpdatesState, Payload: w.Bytes()}, nil
}

// handleGetDifference answers updates.getDifference with an empty
// difference: no new messages, no other updates, state unchanged.
func handleGetDifference(ctx *RequestContext, msg *protocol.InnerMessage) (*protocol.InnerMessage, error) {
	r := tl.NewReader(msg.Payload)
	if _, err := r.ReadInt32(); err != nil { // pts
		return nil, ErrMalformedPayload
	}

	w := tl.NewWriter()
	w.WriteInt32(int32(time.Now().Unix()))
	w.WriteVectorInt64(nil) // new_messages
	w.WriteVectorInt64(nil) // other_updates
	w.WriteVectorInt64(nil) // users
	return &protocol.InnerMessage{Opcode: protocol.OpDifference, Payload: w.Bytes()}, nil
}
