package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmtp/dcgate/pkg/logging"
	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

func startTestServer(t *testing.T) (*Server, *authFixtures) {
	t.Helper()

	g, keys, metrics := testGateway(t)
	backend, err := logging.New("", "ERROR")
	require.NoError(t, err)

	srv := NewServer(g, metrics, backend.GetLogger("server-test"), 5*time.Second)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })

	authKey, keyID := newAuthKey(t, keys)
	return srv, &authFixtures{authKey: authKey, keyID: keyID}
}

type authFixtures struct {
	authKey []byte
	keyID   uint64
}

func dialTestServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerPingOverTCP(t *testing.T) {
	srv, fx := startTestServer(t)
	conn := dialTestServer(t, srv)

	req := pingMessage(0x1234)
	require.NoError(t, writeFrame(conn, sealFrame(t, fx.authKey, fx.keyID, req)))

	reply, err := readFrame(conn)
	require.NoError(t, err)

	inner := openFrame(t, fx.authKey, reply)
	require.Equal(t, protocol.OpPong, inner.Opcode)

	r := tl.NewReader(inner.Payload)
	echoedMsgID, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, req.MessageID, echoedMsgID)
}

func TestServerSequentialFramesOneConnection(t *testing.T) {
	srv, fx := startTestServer(t)
	conn := dialTestServer(t, srv)

	for i := 0; i < 3; i++ {
		req := pingMessage(uint64(100 + i))
		require.NoError(t, writeFrame(conn, sealFrame(t, fx.authKey, fx.keyID, req)))

		reply, err := readFrame(conn)
		require.NoError(t, err)
		inner := openFrame(t, fx.authKey, reply)
		require.Equal(t, protocol.OpPong, inner.Opcode)

		r := tl.NewReader(inner.Payload)
		_, err = r.ReadUint64()
		require.NoError(t, err)
		pingID, err := r.ReadUint64()
		require.NoError(t, err)
		require.Equal(t, uint64(100+i), pingID)
	}
}

func TestServerClosesOnGarbageFrame(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	// A syntactically valid frame whose contents are not a valid outer
	// envelope: the server drops the connection.
	require.NoError(t, writeFrame(conn, []byte{0xde, 0xad, 0xbe, 0xef}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := readFrame(conn)
	require.Error(t, err)
}

func TestServerStopUnblocksClients(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTestServer(t, srv)

	require.NoError(t, srv.Stop())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := readFrame(conn)
	require.Error(t, err)
}
