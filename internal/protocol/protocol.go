// Package protocol defines the usb2snes control protocol: opcodes,
// address spaces, and the JSON request/reply envelopes exchanged over
// WebSocket text frames. Binary payloads (memory contents, file data)
// travel as separate binary frames and are not represented here.
package protocol

import (
	"fmt"
	"strconv"
)

// Opcode is a named protocol operation.
type Opcode string

const (
	OpDeviceList Opcode = "DeviceList"
	OpAttach     Opcode = "Attach"
	OpInfo       Opcode = "Info"
	OpName       Opcode = "Name"
	OpBoot       Opcode = "Boot"
	OpMenu       Opcode = "Menu"
	OpReset      Opcode = "Reset"
	OpGetAddress Opcode = "GetAddress"
	OpPutAddress Opcode = "PutAddress"
	OpPutFile    Opcode = "PutFile"
	OpGetFile    Opcode = "GetFile"
	OpList       Opcode = "List"
	OpMakeDir    Opcode = "MakeDir"
	OpRemove     Opcode = "Remove"
)

// Space selects the logical address space a memory operation targets.
// SNES is the ordinary console address space; CMD is the tiny executable
// staging buffer used for indirect writes on sd2snes hardware.
type Space string

const (
	SpaceSNES Space = "SNES"
	SpaceCMD  Space = "CMD"
)

// Request is the JSON envelope for every control message. Operand order
// is significant; the protocol carries no correlation id, so the reply
// to a request is simply whatever arrives next on the connection.
type Request struct {
	Opcode   Opcode   `json:"Opcode"`
	Space    Space    `json:"Space,omitempty"`
	Flags    []string `json:"Flags,omitempty"`
	Operands []string `json:"Operands,omitempty"`
}

// Reply is the JSON envelope for structured results. Opcodes that
// return raw data (GetAddress, GetFile) follow up with binary frames.
type Reply struct {
	Results []string `json:"Results"`
}

// Hex encodes an address or size as the protocol expects: lowercase
// hex digits with no 0x prefix.
func Hex(v uint32) string {
	return strconv.FormatUint(uint64(v), 16)
}

// ParseHex decodes a protocol hex operand. Both bare and 0x-prefixed
// forms are accepted; servers have been observed to emit either.
func ParseHex(s string) (uint32, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" {
		return 0, fmt.Errorf("protocol: empty hex operand")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("protocol: bad hex operand %q: %w", s, err)
	}
	return uint32(v), nil
}
