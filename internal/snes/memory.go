package snes

import (
	"context"
	"fmt"

	"github.com/Belthasaran/rhplay-sub002/internal/protocol"
)

// maxSingleRead is the largest payload requested in one GetAddress
// exchange. Larger reads are split into sequential requests so a slow
// device never has to stream an unbounded reply for a single request.
const maxSingleRead uint32 = 0x10000

// ReadMemory reads size bytes from the console address space. Reads
// above the single-request ceiling are split into sequential requests
// and reassembled; the request channel is released between them so
// other callers can interleave.
func (c *Conn) ReadMemory(ctx context.Context, address, size uint32) ([]byte, error) {
	if err := validateRegion(MemoryRegion{Address: address, Size: size}); err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}

	data := make([]byte, 0, size)
	for offset := uint32(0); offset < size; offset += maxSingleRead {
		n := size - offset
		if n > maxSingleRead {
			n = maxSingleRead
		}
		chunk, err := c.readSingle(ctx, address+offset, n)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

func (c *Conn) readSingle(ctx context.Context, address, size uint32) ([]byte, error) {
	if err := c.requireAttached("read memory"); err != nil {
		return nil, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpGetAddress,
		Space:    protocol.SpaceSNES,
		Operands: []string{protocol.Hex(address), protocol.Hex(size)},
	})
	if err != nil {
		return nil, fmt.Errorf("read %06x: %w", address, err)
	}
	data, err := c.awaitBinary(ctx, int(size), c.cfg.ReplyTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("read %06x: %w", address, err)
	}
	return data, nil
}

// ReadMemoryBatch reads every region in one request/reply exchange.
// Results come back in request order. This is the primitive watchers
// poll with: N regions cost one round trip instead of N.
func (c *Conn) ReadMemoryBatch(ctx context.Context, regions []MemoryRegion) ([][]byte, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("read batch: %w: no regions", ErrPreconditionFailed)
	}
	operands := make([]string, 0, len(regions)*2)
	total := 0
	for _, r := range regions {
		if err := validateRegion(r); err != nil {
			return nil, fmt.Errorf("read batch: %w", err)
		}
		if r.Size > maxSingleRead {
			return nil, fmt.Errorf("read batch: %w: region %06x size %#x exceeds %#x",
				ErrPreconditionFailed, r.Address, r.Size, maxSingleRead)
		}
		operands = append(operands, protocol.Hex(r.Address), protocol.Hex(r.Size))
		total += int(r.Size)
	}

	if err := c.requireAttached("read batch"); err != nil {
		return nil, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpGetAddress,
		Space:    protocol.SpaceSNES,
		Operands: operands,
	})
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	c.log.Debugf("batch read: %d regions (%d bytes total)", len(regions), total)
	data, err := c.awaitBinary(ctx, total, c.cfg.ReplyTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}

	// One concatenated payload; carve it back up in request order.
	results := make([][]byte, len(regions))
	consumed := 0
	for i, r := range regions {
		results[i] = data[consumed : consumed+int(r.Size)]
		consumed += int(r.Size)
	}
	return results, nil
}

// WriteMemory applies the writes to console RAM. On ordinary hardware
// each write is a direct PutAddress; on sd2snes carts WRAM is not
// host-writable, so the writes are compiled into a routine the cart
// executes from its CMD staging buffer. The contract is identical on
// both paths.
func (c *Conn) WriteMemory(ctx context.Context, writes []MemoryWrite) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if len(w.Data) == 0 {
			return fmt.Errorf("write memory: %w: empty write to %06x", ErrPreconditionFailed, w.Address)
		}
		if err := validateRegion(MemoryRegion{Address: w.Address, Size: uint32(len(w.Data))}); err != nil {
			return fmt.Errorf("write memory: %w", err)
		}
	}
	if err := c.requireAttached("write memory"); err != nil {
		return err
	}

	if c.sd2snes() {
		return c.writeViaCMD(ctx, writes)
	}
	return c.writeDirect(ctx, writes)
}

func (c *Conn) writeDirect(ctx context.Context, writes []MemoryWrite) error {
	if err := c.lock.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.release()

	// The server does not support packing multiple writes into one
	// PutAddress, so each write is its own announce + payload.
	for _, w := range writes {
		err := c.sendRequest(protocol.Request{
			Opcode:   protocol.OpPutAddress,
			Space:    protocol.SpaceSNES,
			Operands: []string{protocol.Hex(w.Address), protocol.Hex(uint32(len(w.Data)))},
		})
		if err != nil {
			return fmt.Errorf("write %06x: %w", w.Address, err)
		}
		if err := c.sendBinary(w.Data); err != nil {
			return fmt.Errorf("write %06x: %w", w.Address, err)
		}
	}
	return nil
}

func (c *Conn) writeViaCMD(ctx context.Context, writes []MemoryWrite) error {
	cmd, err := assembleCMDWrites(writes)
	if err != nil {
		return err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.release()

	err = c.sendRequest(protocol.Request{
		Opcode: protocol.OpPutAddress,
		Space:  protocol.SpaceCMD,
		Operands: []string{
			cmdStagingHex, protocol.Hex(uint32(len(cmd) - 1)),
			cmdStagingHex, "1",
		},
	})
	if err != nil {
		return fmt.Errorf("cmd write: %w", err)
	}
	if err := c.sendBinary(cmd); err != nil {
		return fmt.Errorf("cmd write: %w", err)
	}
	return nil
}

func validateRegion(r MemoryRegion) error {
	if r.Size == 0 {
		return fmt.Errorf("%w: zero-size region at %06x", ErrPreconditionFailed, r.Address)
	}
	// Subtract instead of adding so a huge Size cannot wrap the sum
	// back under the ceiling.
	if r.Address >= addressSpaceSize || r.Size > addressSpaceSize-r.Address {
		return fmt.Errorf("%w: region %06x+%#x out of range", ErrPreconditionFailed, r.Address, r.Size)
	}
	return nil
}
