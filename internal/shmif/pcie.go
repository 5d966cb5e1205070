package shmif

import "encoding/binary"

// PCIe upper-layer message types. The same numeric space is reused on
// both the host->device and device->host queues since they're backed by
// distinct slot arrays (spec.md §9 "Direction is structural, not a wire
// field").
const (
	PCIeMsgRead       uint8 = 2
	PCIeMsgWrite      uint8 = 3
	PCIeMsgReadcomp   uint8 = 4
	PCIeMsgWritecomp  uint8 = 5
	PCIeMsgInterrupt  uint8 = 6
	PCIeMsgDevctrl    uint8 = 7
)

// Read/Write payload layout: req_id(8) bar(1) _pad(7) addr(8) len(8) data(...).
const (
	pcieReqIDOff = 0
	pcieBarOff   = 8
	pcieAddrOff  = 16
	pcieLenOff   = 24
	pcieDataOff  = 32
)

// PCIeReadWrite reads the common fields of a Read/Write/Readcomp message.
func PCIeReadWrite(payload []byte) (reqID uint64, bar uint8, addr uint64, length uint64, data []byte) {
	reqID = binary.LittleEndian.Uint64(payload[pcieReqIDOff:])
	bar = payload[pcieBarOff]
	addr = binary.LittleEndian.Uint64(payload[pcieAddrOff:])
	length = binary.LittleEndian.Uint64(payload[pcieLenOff:])
	data = payload[pcieDataOff : pcieDataOff+int(length)]

	return reqID, bar, addr, length, data
}

// PutPCIeReadWrite encodes a Read/Write message into payload, which must
// be at least pcieDataOff+len(data) bytes.
func PutPCIeReadWrite(payload []byte, reqID uint64, bar uint8, addr uint64, data []byte) {
	binary.LittleEndian.PutUint64(payload[pcieReqIDOff:], reqID)
	payload[pcieBarOff] = bar
	binary.LittleEndian.PutUint64(payload[pcieAddrOff:], addr)
	binary.LittleEndian.PutUint64(payload[pcieLenOff:], uint64(len(data)))
	copy(payload[pcieDataOff:], data)
}

// PCIeInterrupt payload layout: vector(2) msix(1).
func PCIeInterrupt(payload []byte) (vector uint16, msix bool) {
	vector = binary.LittleEndian.Uint16(payload[0:])
	msix = payload[2] != 0

	return vector, msix
}

// PutPCIeInterrupt encodes an interrupt message.
func PutPCIeInterrupt(payload []byte, vector uint16, msix bool) {
	binary.LittleEndian.PutUint16(payload[0:], vector)

	if msix {
		payload[2] = 1
	} else {
		payload[2] = 0
	}
}
