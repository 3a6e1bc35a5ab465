// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package objbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is carried in every frame header. A peer speaking a
// different version is rejected during the handshake.
const ProtocolVersion uint16 = 1

// MessageKind identifies the role of a frame.
type MessageKind uint8

const (
	MsgCall   MessageKind = 0
	MsgReply  MessageKind = 1
	MsgError  MessageKind = 2
	MsgSignal MessageKind = 3
)

func (k MessageKind) String() string {
	switch k {
	case MsgCall:
		return "call"
	case MsgReply:
		return "reply"
	case MsgError:
		return "error"
	case MsgSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Reserved addressing: service 0 / object 0 carries control operations,
// service 1 is the session's own directory.
const (
	controlService   uint32 = 0
	controlObject    uint32 = 0
	directoryService uint32 = 1
)

// Control operation ids, all below the method id base.
const (
	opRegisterEvent   uint32 = 0
	opUnregisterEvent uint32 = 1
	opMetaObject      uint32 = 2
	opGetProperty     uint32 = 5
	opSetProperty     uint32 = 6
	opAuthenticate    uint32 = 8
	opDisconnect      uint32 = 9
)

// Message is the wire envelope. ID is caller-chosen, unique per pending
// call on a connection, and echoed verbatim in the matching reply or
// error.
type Message struct {
	Version   uint16
	ID        uint32
	Kind      MessageKind
	Service   uint32
	Object    uint32
	Operation uint32
	Payload   []byte
}

// Frame layout, all integers big-endian:
//
//	[frame_length u32] [version u16] [message_id u32] [kind u8]
//	[service_id u32] [object_id u32] [operation_id u32]
//	[payload_length u32] [payload bytes]
//
// frame_length counts every byte after itself and must equal
// headerLen + payload_length.
const headerLen = 2 + 4 + 1 + 4 + 4 + 4 + 4

// maxFrameSize bounds a single frame at 64MB.
const maxFrameSize = 64 * 1024 * 1024

func (m *Message) encodeFrame() []byte {
	frameLen := uint32(headerLen + len(m.Payload))
	buf := make([]byte, 4+frameLen)
	binary.BigEndian.PutUint32(buf[0:4], frameLen)
	binary.BigEndian.PutUint16(buf[4:6], m.Version)
	binary.BigEndian.PutUint32(buf[6:10], m.ID)
	buf[10] = byte(m.Kind)
	binary.BigEndian.PutUint32(buf[11:15], m.Service)
	binary.BigEndian.PutUint32(buf[15:19], m.Object)
	binary.BigEndian.PutUint32(buf[19:23], m.Operation)
	binary.BigEndian.PutUint32(buf[23:27], uint32(len(m.Payload)))
	copy(buf[27:], m.Payload)
	return buf
}

// readMessage reads one complete frame. I/O errors pass through; an
// internally inconsistent header fails with ErrProtocol, which is fatal
// to the connection.
func readMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < headerLen || frameLen > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrProtocol, frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	m := &Message{
		Version:   binary.BigEndian.Uint16(frame[0:2]),
		ID:        binary.BigEndian.Uint32(frame[2:6]),
		Kind:      MessageKind(frame[6]),
		Service:   binary.BigEndian.Uint32(frame[7:11]),
		Object:    binary.BigEndian.Uint32(frame[11:15]),
		Operation: binary.BigEndian.Uint32(frame[15:19]),
	}
	payloadLen := binary.BigEndian.Uint32(frame[19:23])
	if uint64(payloadLen) != uint64(frameLen)-headerLen {
		return nil, fmt.Errorf("%w: declared payload %d bytes, %d follow",
			ErrProtocol, payloadLen, frameLen-headerLen)
	}
	if m.Kind > MsgSignal {
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrProtocol, m.Kind)
	}
	m.Payload = frame[headerLen:]
	return m, nil
}
