package snes

import (
	"context"
	"fmt"
	"time"
)

// Savestate support requires a patched ROM that exposes a two-byte
// flag pair (saveRequested, loadRequested) at the firmware-dependent
// interface address and stages the full 320 KiB state blob at a fixed
// address. The device flips a flag back to zero when it finishes the
// corresponding transition.
const (
	safeStatePoll        = 30 * time.Millisecond
	safeStateTimeout     = 5 * time.Second
	stateTransferTimeout = 10 * time.Second

	// stateSettle gives the device a moment to raise its busy flag
	// after a request before the safe-state poll starts.
	stateSettle = 100 * time.Millisecond
)

// CheckSavestateSupport probes the savestate interface. A readable
// flag pair suggests (but cannot prove) a patched ROM.
func (c *Conn) CheckSavestateSupport(ctx context.Context) bool {
	_, err := c.ReadMemory(ctx, c.savestateInterface(), 2)
	return err == nil
}

// WaitForSafeState polls until both request flags read zero. Starting
// a capture or restore while the device is mid-transition corrupts
// the state, so every savestate operation begins here.
func (c *Conn) WaitForSafeState(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		flags, err := c.ReadMemory(ctx, c.savestateInterface(), 2)
		if err != nil {
			return fmt.Errorf("safe state: %w", err)
		}
		if flags[0] == 0 && flags[1] == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("safe state: %w: %v", ErrTimeout, ctx.Err())
		case <-time.After(safeStatePoll):
		}
	}
	return fmt.Errorf("safe state: %w: flags still set after %v", ErrTimeout, timeout)
}

// SaveState captures the console state: wait for a safe state, raise
// saveRequested, wait for the device to clear it, then read the
// staged 320 KiB blob with batched reads.
func (c *Conn) SaveState(ctx context.Context) ([]byte, error) {
	c.log.Infof("saving state...")
	if err := c.WaitForSafeState(ctx, safeStateTimeout); err != nil {
		return nil, err
	}

	ifc := c.savestateInterface()
	if err := c.WriteMemory(ctx, []MemoryWrite{{Address: ifc, Data: []byte{1, 0}}}); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	time.Sleep(stateSettle)
	if err := c.WaitForSafeState(ctx, stateTransferTimeout); err != nil {
		return nil, err
	}

	c.log.Infof("reading savestate data (%d KiB)...", SavestateSize/1024)
	blob, err := c.ReadMemoryBatch(ctx, savestateRegions())
	if err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	data := make([]byte, 0, SavestateSize)
	for _, part := range blob {
		data = append(data, part...)
	}
	if len(data) != SavestateSize {
		return nil, fmt.Errorf("save state: %w: blob is %d bytes, want %d",
			ErrProtocolMismatch, len(data), SavestateSize)
	}
	c.log.Infof("savestate captured")
	return data, nil
}

// LoadState restores a previously captured blob: wait for a safe
// state, write the blob into the staging region, raise loadRequested,
// and wait for the device to clear it.
func (c *Conn) LoadState(ctx context.Context, blob []byte) error {
	if len(blob) != SavestateSize {
		return fmt.Errorf("load state: %w: blob is %d bytes, want %d",
			ErrPreconditionFailed, len(blob), SavestateSize)
	}

	c.log.Infof("loading state...")
	if err := c.WaitForSafeState(ctx, safeStateTimeout); err != nil {
		return err
	}

	c.log.Infof("writing savestate data (%d KiB)...", SavestateSize/1024)
	if err := c.WriteMemory(ctx, []MemoryWrite{{Address: savestateDataAddress, Data: blob}}); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	ifc := c.savestateInterface()
	if err := c.WriteMemory(ctx, []MemoryWrite{{Address: ifc + 1, Data: []byte{1}}}); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	time.Sleep(stateSettle)
	if err := c.WaitForSafeState(ctx, stateTransferTimeout); err != nil {
		return err
	}
	c.log.Infof("savestate loaded")
	return nil
}

// savestateRegions splits the staging buffer into single-request-sized
// regions for one batched read.
func savestateRegions() []MemoryRegion {
	regions := make([]MemoryRegion, 0, SavestateSize/int(maxSingleRead))
	for off := uint32(0); off < SavestateSize; off += maxSingleRead {
		regions = append(regions, MemoryRegion{Address: savestateDataAddress + off, Size: maxSingleRead})
	}
	return regions
}
