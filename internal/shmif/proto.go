// Package shmif implements the co-simulation transport: a POSIX shared
// memory pool carved into paired SPSC slot-array queues, the three-way
// connect/listen handshake, and the low-level poll/alloc/send/done
// primitives every device peer (PCIe, Ethernet) is built on. Ported from
// SimBricks' lib/simbricks/base/if.{c,h} (see original_source/).
package shmif

import "encoding/binary"

// HeaderSize is the size in bytes of the header every slot begins with:
// {timestamp_ps uint64, pad [7]byte, own_type uint8}. Everything after the
// header is message-type-specific payload, up to the negotiated entry size.
const HeaderSize = 16

// own/type byte layout: high bit is the owner flag, low 7 bits the message
// type. The owner flag is the only synchronization primitive in the
// protocol (spec.md §9 "Atomic ownership flag") — never widen it or bundle
// it with other fields in one atomic.
const (
	ownMask      uint8 = 0x80
	ownConsumer  uint8 = 0x80 // slot holds a message the consumer hasn't read yet
	ownProducer  uint8 = 0x00 // slot is free for the producer to write
	typeMask     uint8 = 0x7f
)

// Base message types, valid on every BaseIf regardless of upper-layer
// protocol.
const (
	MsgTypeSync      uint8 = 0
	MsgTypeTerminate uint8 = 1
)

// UpperLayerProto identifies the protocol layered on top of a BaseIf, sent
// in the intro handshake.
type UpperLayerProto uint64

const (
	ProtoPCIe     UpperLayerProto = 0x01
	ProtoEthernet UpperLayerProto = 0x02
	ProtoMemory   UpperLayerProto = 0x03
)

// headerTimestamp reads the timestamp field of a slot.
func headerTimestamp(slot []byte) uint64 {
	return binary.LittleEndian.Uint64(slot[0:8])
}

func setHeaderTimestamp(slot []byte, ts uint64) {
	binary.LittleEndian.PutUint64(slot[0:8], ts)
}

// ownTypeOffset is the byte offset of the own/type byte within a slot: the
// last byte of the header.
const ownTypeOffset = HeaderSize - 1

func loadOwnType(slot []byte) uint8 {
	return slot[ownTypeOffset]
}

func storeOwnType(slot []byte, v uint8) {
	slot[ownTypeOffset] = v
}

// MsgType extracts the message type (without the ownership bit) from a
// slot's own/type byte.
func MsgType(slot []byte) uint8 {
	return loadOwnType(slot) &^ ownMask
}

// Payload returns the message-type-specific bytes following the header.
func Payload(slot []byte) []byte {
	return slot[HeaderSize:]
}
