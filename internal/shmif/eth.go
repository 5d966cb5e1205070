package shmif

import "encoding/binary"

// Ethernet upper-layer message types: a peer's BaseIf carries nothing but
// raw frames in both directions, so there is exactly one message type per
// direction's sole purpose.
const (
	EthMsgPacket uint8 = 2
)

// ethLenOff/ethDataOff: payload layout is length(2) data(...).
const (
	ethLenOff  = 0
	ethDataOff = 2
)

// EthPacket extracts the frame carried by an Ethernet message payload.
func EthPacket(payload []byte) []byte {
	n := binary.LittleEndian.Uint16(payload[ethLenOff:])
	return payload[ethDataOff : ethDataOff+int(n)]
}

// PutEthPacket encodes data as an Ethernet message payload. payload must be
// at least ethDataOff+len(data) bytes.
func PutEthPacket(payload []byte, data []byte) {
	binary.LittleEndian.PutUint16(payload[ethLenOff:], uint16(len(data)))
	copy(payload[ethDataOff:], data)
}
