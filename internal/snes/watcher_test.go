package snes

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestWatcherReportsChanges(t *testing.T) {
	c, d := attachTestConn(t)
	d.memSet(WRAMStart, []byte{0x01, 0x02})

	changed := make(chan []Change, 16)
	w := c.NewWatcher(
		[]MemoryRegion{{Address: WRAMStart, Size: 2}, {Address: SRAMStart, Size: 1}},
		5*time.Millisecond,
		func(cs []Change) { changed <- cs },
	)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	d.memSet(WRAMStart, []byte{0xAA, 0x02})

	select {
	case cs := <-changed:
		if len(cs) != 1 {
			t.Fatalf("got %d changes, want 1", len(cs))
		}
		if cs[0].Region.Address != WRAMStart {
			t.Fatalf("change at %06x", cs[0].Region.Address)
		}
		if !bytes.Equal(cs[0].Old, []byte{0x01, 0x02}) || !bytes.Equal(cs[0].New, []byte{0xAA, 0x02}) {
			t.Fatalf("change % x -> % x", cs[0].Old, cs[0].New)
		}
	case <-time.After(time.Second):
		t.Fatal("change never reported")
	}

	latest := w.Values()
	if !bytes.Equal(latest[0], []byte{0xAA, 0x02}) {
		t.Fatalf("Values()[0] = % x", latest[0])
	}
}

func TestWatcherStop(t *testing.T) {
	c, d := attachTestConn(t)

	w := c.NewWatcher([]MemoryRegion{{Address: WRAMStart, Size: 1}}, 5*time.Millisecond, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	w.Stop()
	deadline := time.Now().Add(time.Second)
	for w.Running() {
		if time.Now().After(deadline) {
			t.Fatal("watcher still running after Stop")
		}
		time.Sleep(time.Millisecond)
	}

	// No polls after the loop exits.
	time.Sleep(20 * time.Millisecond)
	before := len(d.tr.requests())
	time.Sleep(50 * time.Millisecond)
	if after := len(d.tr.requests()); after != before {
		t.Fatalf("%d requests sent after Stop", after-before)
	}

	// A second Stop is harmless.
	w.Stop()

	// A stopped watcher is spent; restarting it must fail instead of
	// spinning up a loop that exits immediately.
	if err := w.Start(context.Background()); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("restart after Stop: %v, want precondition failure", err)
	}
	if w.Running() {
		t.Fatal("failed restart left the watcher marked running")
	}
}

func TestWatchForValue(t *testing.T) {
	c, d := attachTestConn(t)
	d.memSet(WRAMStart+0x19, []byte{0x00})

	go func() {
		time.Sleep(30 * time.Millisecond)
		d.memSet(WRAMStart+0x19, []byte{0x63})
	}()

	got, err := c.WatchForValue(context.Background(),
		MemoryRegion{Address: WRAMStart + 0x19, Size: 1},
		FirstByteIs(0x63),
		2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got[0] != 0x63 {
		t.Fatalf("matched value % x", got)
	}
}

func TestWatchForValueTimeout(t *testing.T) {
	c, _ := attachTestConn(t)

	_, err := c.WatchForValue(context.Background(),
		MemoryRegion{Address: WRAMStart, Size: 1},
		FirstByteIs(0xFF),
		50*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("unmet condition: %v, want timeout", err)
	}
}

func TestWatchForConditions(t *testing.T) {
	c, d := attachTestConn(t)
	d.memSet(WRAMStart, []byte{0x01})
	d.memSet(WRAMStart+0x10, []byte{0x00, 0x00})

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.memSet(WRAMStart+0x10, []byte{0x05, 0x01})
	}()

	// Both conditions must hold in the same poll cycle.
	values, err := c.WatchForConditions(context.Background(), []Condition{
		{Region: MemoryRegion{Address: WRAMStart, Size: 1}, Pred: FirstByteIs(0x01)},
		{Region: MemoryRegion{Address: WRAMStart + 0x10, Size: 2}, Pred: ValueIs([]byte{0x05, 0x01})},
	}, 2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !bytes.Equal(values[1], []byte{0x05, 0x01}) {
		t.Fatalf("values[1] = % x", values[1])
	}
}

func TestWatcherSurvivesPollError(t *testing.T) {
	c, d := attachTestConn(t)
	d.memSet(WRAMStart, []byte{0x01})

	changed := make(chan []Change, 16)
	w := c.NewWatcher([]MemoryRegion{{Address: WRAMStart, Size: 1}}, 5*time.Millisecond,
		func(cs []Change) { changed <- cs })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	// Swallow requests for a few cycles so polls time out, then
	// restore the device.
	d.tr.mu.Lock()
	saved := d.tr.onSend
	d.tr.onSend = nil
	d.tr.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	d.tr.mu.Lock()
	d.tr.onSend = saved
	d.tr.mu.Unlock()
	d.memSet(WRAMStart, []byte{0x02})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never recovered after poll errors")
	}
	if !w.Running() {
		t.Fatal("watcher stopped on a transient poll error")
	}
}
