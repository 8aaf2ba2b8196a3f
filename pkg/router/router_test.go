package router

import (
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

func testRegistry(t *testing.T) *DCRegistry {
	t.Helper()
	a1, err := multiaddr.NewMultiaddr("/ip4/10.0.0.1/tcp/443")
	require.NoError(t, err)
	a2, err := multiaddr.NewMultiaddr("/ip4/10.0.0.2/tcp/443")
	require.NoError(t, err)
	return &DCRegistry{
		ThisDC: 2,
		Options: []DCOption{
			{ID: 1, Addr: a1},
			{ID: 2, Addr: a2},
		},
	}
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	return New(testRegistry(t))
}

func testCtx() *RequestContext {
	return &RequestContext{PeerAddr: "203.0.113.9:51234", Country: "DE"}
}

func innerWith(opcode uint32, payload []byte) *protocol.InnerMessage {
	return &protocol.InnerMessage{
		Salt:      0x1122334455667788,
		SessionID: 0x99aabbccddeeff00,
		MessageID: protocol.GenerateMessageID(),
		SeqNo:     1,
		Opcode:    opcode,
		Payload:   payload,
	}
}

func TestDispatchPing(t *testing.T) {
	r := testRouter(t)

	w := tl.NewWriter()
	w.WriteUint64(0xabad1dea00000042)
	req := innerWith(protocol.OpPing, w.Bytes())

	reply, err := r.Dispatch(testCtx(), req)
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, protocol.OpPong, reply.Opcode)
	require.Equal(t, req.Salt, reply.Salt)
	require.Equal(t, req.SessionID, reply.SessionID)
	require.Equal(t, req.SeqNo+1, reply.SeqNo)

	pr := tl.NewReader(reply.Payload)
	echoedMsgID, err := pr.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, req.MessageID, echoedMsgID)
	pingID, err := pr.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0xabad1dea00000042), pingID)
}

func TestDispatchMsgsAckNoReply(t *testing.T) {
	r := testRouter(t)

	w := tl.NewWriter()
	w.WriteVectorInt64([]uint64{1, 2, 3})
	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpMsgsAck, w.Bytes()))
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestDispatchUnknownOpcode(t *testing.T) {
	r := testRouter(t)
	req := innerWith(0xdead0000, []byte{1, 2, 3, 4})

	reply, err := r.Dispatch(testCtx(), req)
	require.NoError(t, err, "unknown opcodes must not escape as errors")
	require.NotNil(t, reply)
	require.Equal(t, protocol.OpRPCError, reply.Opcode)

	pr := tl.NewReader(reply.Payload)
	reqMsgID, err := pr.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, req.MessageID, reqMsgID)
	code, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(404), code)
	text, err := pr.ReadString()
	require.NoError(t, err)
	require.Contains(t, string(text), "NOT_IMPLEMENTED")
}

func TestDispatchGetConfig(t *testing.T) {
	r := testRouter(t)

	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpGetConfig, nil))
	require.NoError(t, err)
	require.Equal(t, protocol.OpConfig, reply.Opcode)

	pr := tl.NewReader(reply.Payload)
	thisDC, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), thisDC)
	_, err = pr.ReadInt32() // date
	require.NoError(t, err)
	_, err = pr.ReadInt32() // expires
	require.NoError(t, err)
	count, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), count)

	id, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(1), id)
	addr, err := pr.ReadString()
	require.NoError(t, err)
	require.Equal(t, "/ip4/10.0.0.1/tcp/443", string(addr))
}

func TestDispatchGetNearestDC(t *testing.T) {
	r := testRouter(t)

	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpGetNearestDC, nil))
	require.NoError(t, err)
	require.Equal(t, protocol.OpNearestDC, reply.Opcode)

	pr := tl.NewReader(reply.Payload)
	country, err := pr.ReadString()
	require.NoError(t, err)
	require.Equal(t, "DE", string(country))
	thisDC, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), thisDC)
	nearest, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(2), nearest)
}

func TestDispatchInitConnection(t *testing.T) {
	r := testRouter(t)

	w := tl.NewWriter()
	w.WriteInt32(12345)
	w.WriteString([]byte("Pixel 9"))
	w.WriteString([]byte("Android 16"))
	w.WriteString([]byte("11.2.0"))
	w.WriteString([]byte("en"))

	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpInitConnection, w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, protocol.OpConfig, reply.Opcode)
}

func TestDispatchInitConnectionMalformed(t *testing.T) {
	r := testRouter(t)
	_, err := r.Dispatch(testCtx(), innerWith(protocol.OpInitConnection, []byte{1, 2}))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDispatchGetUsersEmpty(t *testing.T) {
	r := testRouter(t)

	w := tl.NewWriter()
	w.WriteVectorInt64([]uint64{777, 888})
	req := innerWith(protocol.OpGetUsers, w.Bytes())

	reply, err := r.Dispatch(testCtx(), req)
	require.NoError(t, err)
	require.Equal(t, protocol.OpRPCResult, reply.Opcode)

	pr := tl.NewReader(reply.Payload)
	reqMsgID, err := pr.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, req.MessageID, reqMsgID)
	tag, err := pr.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, tl.VectorTag, tag)
	users, err := pr.ReadVector(tl.VectorInt64)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestDispatchContainer(t *testing.T) {
	r := testRouter(t)

	// Container with a ping (gets a reply) and a msgs_ack (does not).
	pingBody := tl.NewWriter()
	pingBody.WriteUint32(protocol.OpPing)
	pingBody.WriteUint64(55)

	ackBody := tl.NewWriter()
	ackBody.WriteUint32(protocol.OpMsgsAck)
	ackBody.WriteVectorInt64([]uint64{9})

	container := tl.NewWriter()
	container.WriteInt32(2)
	for i, body := range [][]byte{pingBody.Bytes(), ackBody.Bytes()} {
		container.WriteUint64(protocol.GenerateMessageID())
		container.WriteInt32(int32(i))
		container.WriteInt32(int32(len(body)))
		container.WriteBytes(body)
	}

	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpMsgContainer, container.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, protocol.OpMsgContainer, reply.Opcode)

	pr := tl.NewReader(reply.Payload)
	count, err := pr.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(1), count, "only the ping produces a reply")

	_, err = pr.ReadUint64() // reply msg_id
	require.NoError(t, err)
	_, err = pr.ReadInt32() // seq_no
	require.NoError(t, err)
	length, err := pr.ReadInt32()
	require.NoError(t, err)
	body, err := pr.ReadBytes(int(length))
	require.NoError(t, err)

	br := tl.NewReader(body)
	opcode, err := br.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, protocol.OpPong, opcode)
}

func TestDispatchContainerAllAcks(t *testing.T) {
	r := testRouter(t)

	ackBody := tl.NewWriter()
	ackBody.WriteUint32(protocol.OpMsgsAck)
	ackBody.WriteVectorInt64([]uint64{1})

	container := tl.NewWriter()
	container.WriteInt32(1)
	container.WriteUint64(protocol.GenerateMessageID())
	container.WriteInt32(0)
	container.WriteInt32(int32(len(ackBody.Bytes())))
	container.WriteBytes(ackBody.Bytes())

	reply, err := r.Dispatch(testCtx(), innerWith(protocol.OpMsgContainer, container.Bytes()))
	require.NoError(t, err)
	require.Nil(t, reply, "no sub-replies means no container reply")
}

func TestDispatchContainerTruncated(t *testing.T) {
	r := testRouter(t)

	container := tl.NewWriter()
	container.WriteInt32(1)
	container.WriteUint64(protocol.GenerateMessageID())
	// missing seq_no/length/body

	_, err := r.Dispatch(testCtx(), innerWith(protocol.OpMsgContainer, container.Bytes()))
	require.Error(t, err)
}
