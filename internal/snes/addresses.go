package snes

// Console address map as exposed by the usb2snes flat address space.
const (
	ROMStart  uint32 = 0x000000
	SRAMStart uint32 = 0xE00000
	WRAMStart uint32 = 0xF50000
	WRAMSize  uint32 = 0x20000

	// addressSpaceSize is the 24-bit address ceiling.
	addressSpaceSize uint32 = 0x1000000
)

// Savestate interface. A patched ROM exposes two request flags at a
// firmware-dependent address and stages the full state blob at a fixed
// one; the firmware moved the flag pair in version 11.
const (
	SavestateSize = 320 * 1024

	savestateDataAddress      uint32 = 0xF00000
	savestateInterfaceOld     uint32 = 0xFC2000 // firmware < 11
	savestateInterfaceNew     uint32 = 0xFE1000 // firmware >= 11
	savestateInterfaceCutover        = 11
)

// MemoryRegion is a read/write/watch target in the console address
// space. Overlapping regions are the caller's responsibility.
type MemoryRegion struct {
	Address uint32
	Size    uint32
}

// MemoryWrite pairs a destination address with the bytes to store.
type MemoryWrite struct {
	Address uint32
	Data    []byte
}
