package adb

// Package adb implements the Android Debug Bridge wire protocol as spoken by the
// device-side daemon over a USB bulk endpoint pair.
// Every message is a fixed 24-byte little-endian header optionally followed by a payload.

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of an encoded message header in bytes.
const HeaderSize = 24

// Command opcodes. Each is the little-endian reading of its 4-byte ASCII name.
const (
	CmdConnect uint32 = 0x4e584e43 // "CNXN"
	CmdAuth    uint32 = 0x48545541 // "AUTH"
	CmdOpen    uint32 = 0x4e45504f // "OPEN"
	CmdOkay    uint32 = 0x59414b4f // "OKAY"
	CmdWrite   uint32 = 0x45545257 // "WRTE"
	CmdClose   uint32 = 0x45534c43 // "CLSE"
)

// AUTH message arg0 values.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const (
	// Version is the protocol version sent in CNXN arg0.
	Version uint32 = 0x01000000
	// MaxPayload is the largest payload this host accepts, sent in CNXN arg1.
	MaxPayload uint32 = 256 * 1024
)

// Header is the decoded form of the fixed 24-byte message header.
type Header struct {
	Command         uint32
	Arg0            uint32
	Arg1            uint32
	PayloadLength   uint32
	PayloadChecksum uint32
	Magic           uint32
}

// NewHeader builds a header with a zero payload checksum and the magic derived from command.
func NewHeader(command, arg0, arg1, payloadLength uint32) Header {
	return Header{
		Command:       command,
		Arg0:          arg0,
		Arg1:          arg1,
		PayloadLength: payloadLength,
		Magic:         command ^ 0xFFFFFFFF,
	}
}

// Encode serializes the header in wire order.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Command)
	binary.LittleEndian.PutUint32(buf[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadChecksum)
	binary.LittleEndian.PutUint32(buf[20:24], h.Magic)
	return buf
}

// DecodeHeader parses a wire header. Buffers shorter than HeaderSize and headers whose
// magic is not the complement of the command are malformed.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ProtocolError{
			Kind: KindMalformedHeader,
			Msg:  fmt.Sprintf("header is %d bytes, need %d", len(buf), HeaderSize),
		}
	}

	h := Header{
		Command:         binary.LittleEndian.Uint32(buf[0:4]),
		Arg0:            binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:            binary.LittleEndian.Uint32(buf[8:12]),
		PayloadLength:   binary.LittleEndian.Uint32(buf[12:16]),
		PayloadChecksum: binary.LittleEndian.Uint32(buf[16:20]),
		Magic:           binary.LittleEndian.Uint32(buf[20:24]),
	}
	if h.Magic != h.Command^0xFFFFFFFF {
		return Header{}, &ProtocolError{
			Kind: KindMalformedHeader,
			Msg:  fmt.Sprintf("magic 0x%08x does not match command 0x%08x", h.Magic, h.Command),
		}
	}
	return h, nil
}

// Message is one request or response unit.
type Message struct {
	Command uint32
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Header returns the wire header for m, including the payload checksum.
func (m Message) Header() Header {
	h := NewHeader(m.Command, m.Arg0, m.Arg1, uint32(len(m.Payload)))
	h.PayloadChecksum = Checksum(m.Payload)
	return h
}

// Checksum is the unsigned sum of the payload bytes.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// CommandName returns the 4-letter name of a command, or its hex value if unknown.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdConnect:
		return "CNXN"
	case CmdAuth:
		return "AUTH"
	case CmdOpen:
		return "OPEN"
	case CmdOkay:
		return "OKAY"
	case CmdWrite:
		return "WRTE"
	case CmdClose:
		return "CLSE"
	default:
		return fmt.Sprintf("0x%08x", cmd)
	}
}

// connectPayload builds the CNXN payload: the NUL-terminated identity string.
// Version and max payload travel in arg0 and arg1.
func connectPayload(identity string) []byte {
	p := make([]byte, 0, len(identity)+1)
	p = append(p, identity...)
	return append(p, 0)
}
