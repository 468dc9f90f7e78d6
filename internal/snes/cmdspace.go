package snes

import "fmt"

// The sd2snes cart cannot write WRAM from the host side, so writes are
// expressed as a 65816 routine staged at $2C00 in the CMD space and
// executed via NMI. The routine is a fixed preamble, one load-
// immediate/store-long pair per byte, then an epilogue that clears the
// staging flag and returns through the NMI vector.
const cmdStagingHex = "2C00"

var (
	// SEP #$20 with the caller's A and B preserved on the stack.
	cmdPreamble = []byte{0x00, 0xE2, 0x20, 0x48, 0xEB, 0x48}

	// LDA #$00 / STA.l $002C00 / PLA / XBA / PLA / PLP / JMP ($FFEA)
	cmdEpilogue = []byte{0xA9, 0x00, 0x8F, 0x00, 0x2C, 0x00, 0x68, 0xEB, 0x68, 0x28, 0x6C, 0xEA, 0xFF, 0x08}
)

// assembleCMDWrites compiles WRAM writes into the staged routine. Only
// WRAM is reachable this way; anything outside is rejected before a
// single byte goes out.
func assembleCMDWrites(writes []MemoryWrite) ([]byte, error) {
	cmd := make([]byte, 0, len(cmdPreamble)+len(cmdEpilogue))
	cmd = append(cmd, cmdPreamble...)

	for _, w := range writes {
		end := w.Address + uint32(len(w.Data))
		if w.Address < WRAMStart || end > WRAMStart+WRAMSize {
			return nil, fmt.Errorf("cmd write: %w: %06x (%d bytes) outside WRAM",
				ErrPreconditionFailed, w.Address, len(w.Data))
		}
		// Store through the $7E bank mirror of WRAM.
		ptr := w.Address + 0x7E0000 - WRAMStart
		for i, b := range w.Data {
			p := ptr + uint32(i)
			cmd = append(cmd,
				0xA9, b, // LDA #imm
				0x8F, byte(p), byte(p>>8), byte(p>>16), // STA.l abs
			)
		}
	}

	cmd = append(cmd, cmdEpilogue...)
	return cmd, nil
}
