package protocol

// Constructor opcodes. The 32-bit values are part of the external wire
// contract and must match the protocol schema byte for byte. Dispatch
// always branches on the raw integer; the name table below exists for
// diagnostics only.
const (
	// Handshake (plaintext frames)
	OpReqPQ              uint32 = 0x60469778
	OpResPQ              uint32 = 0x05162463
	OpReqDHParams        uint32 = 0xd712e4be
	OpServerDHParamsOK   uint32 = 0xd0e8075c
	OpServerDHParamsFail uint32 = 0x79cb045d
	OpSetClientDHParams  uint32 = 0xf5045f1f
	OpDHGenOK            uint32 = 0x3bcbf734
	OpDHGenRetry         uint32 = 0x46dc1fb9
	OpDHGenFail          uint32 = 0xa69dae02

	// Service (encrypted frames)
	OpMsgContainer uint32 = 0x73f1f8dc
	OpMsgsAck      uint32 = 0x62d6b459
	OpPing         uint32 = 0x7abe77ec
	OpPong         uint32 = 0x347773c5
	OpRPCResult    uint32 = 0xf35c6d01
	OpRPCError     uint32 = 0x2144ca19

	// Application
	OpGetConfig      uint32 = 0xc4f9186b
	OpGetNearestDC   uint32 = 0x1fb33026
	OpInitConnection uint32 = 0xc1cd5ea9
	OpGetUsers       uint32 = 0x0d91a548
	OpGetUpdates     uint32 = 0xedd4882a
	OpGetDifference  uint32 = 0x25939651

	// Application replies
	OpConfig       uint32 = 0x330b4067
	OpNearestDC    uint32 = 0x8e1a1775
	OpUpdatesState uint32 = 0xa56c2a3e
	OpDifference   uint32 = 0x00f49ca0
)

var constructorNames = map[uint32]string{
	OpReqPQ:              "req_pq",
	OpResPQ:              "resPQ",
	OpReqDHParams:        "req_DH_params",
	OpServerDHParamsOK:   "server_DH_params_ok",
	OpServerDHParamsFail: "server_DH_params_fail",
	OpSetClientDHParams:  "set_client_DH_params",
	OpDHGenOK:            "dh_gen_ok",
	OpDHGenRetry:         "dh_gen_retry",
	OpDHGenFail:          "dh_gen_fail",
	OpMsgContainer:       "msg_container",
	OpMsgsAck:            "msgs_ack",
	OpPing:               "ping",
	OpPong:               "pong",
	OpRPCResult:          "rpc_result",
	OpRPCError:           "rpc_error",
	OpGetConfig:          "help.getConfig",
	OpGetNearestDC:       "help.getNearestDc",
	OpInitConnection:     "initConnection",
	OpGetUsers:           "users.getUsers",
	OpGetUpdates:         "updates.getState",
	OpGetDifference:      "updates.getDifference",
	OpConfig:             "config",
	OpNearestDC:          "nearestDc",
	OpUpdatesState:       "updates.state",
	OpDifference:         "updates.difference",
}

// ConstructorName returns a human-readable name for an opcode, or
// "unknown" when the opcode is not in the table.
func ConstructorName(opcode uint32) string {
	if name, ok := constructorNames[opcode]; ok {
		return name
	}
	return "unknown"
}
