package snes

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/Belthasaran/rhplay-sub002/internal/protocol"
	"github.com/Belthasaran/rhplay-sub002/internal/transport"
)

// fakeTransport is an in-memory Transport driven synchronously from
// Send. It counts concurrent sends so tests can assert the engine
// never has more than one request in flight.
type fakeTransport struct {
	mu       sync.Mutex
	recv     chan transport.Message
	done     chan struct{}
	doneOnce sync.Once
	err      error
	closed   bool

	buffered int
	onSend   func(transport.Message)

	inFlight     int
	maxInFlight  int
	sentRequests []protocol.Request
	sentBinary   [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recv: make(chan transport.Message, 4096),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(msg transport.Message) error {
	select {
	case <-f.done:
		return f.Err()
	default:
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	if msg.Kind == transport.Text {
		var req protocol.Request
		if err := json.Unmarshal(msg.Data, &req); err == nil {
			f.sentRequests = append(f.sentRequests, req)
		}
	} else {
		f.sentBinary = append(f.sentBinary, append([]byte(nil), msg.Data...))
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Recv() <-chan transport.Message { return f.recv }

func (f *fakeTransport) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeTransport) setBuffered(n int) {
	f.mu.Lock()
	f.buffered = n
	f.mu.Unlock()
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return transport.ErrClosed
	}
	return f.err
}

func (f *fakeTransport) Close() error {
	f.fail(transport.ErrClosed)
	return nil
}

func (f *fakeTransport) fail(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.closed = true
		f.mu.Unlock()
		close(f.done)
		close(f.recv)
	})
}

func (f *fakeTransport) push(msg transport.Message) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.recv <- msg
}

func (f *fakeTransport) pushReply(results ...string) {
	if results == nil {
		results = []string{}
	}
	data, _ := json.Marshal(protocol.Reply{Results: results})
	f.push(transport.Message{Kind: transport.Text, Data: data})
}

func (f *fakeTransport) pushBinary(data []byte) {
	f.push(transport.Message{Kind: transport.Binary, Data: data})
}

func (f *fakeTransport) requests() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.sentRequests...)
}

// fakeDevice emulates enough of a usb2snes server to exercise every
// engine operation: a flat 16 MiB memory, a file system of dirs and
// files, and the savestate flag interface of a patched ROM.
type fakeDevice struct {
	t  *testing.T
	tr *fakeTransport

	mu      sync.Mutex
	devices []string
	mem     []byte
	live    []byte // console state the savestate interface snapshots
	files   map[string][]byte
	dirs    map[string]bool

	// getFrameSize splits binary replies; 0 sends one frame.
	getFrameSize int

	pendingWrites []pendingWrite
	pendingPut    *pendingPut
	pendingCMD    bool
	lastCMD       []byte

	onGetAddress func() // runs before each GetAddress is served
}

type pendingWrite struct {
	addr uint32
	size int
}

type pendingPut struct {
	path string
	size int
	data []byte
}

func newFakeDevice(t *testing.T) *fakeDevice {
	d := &fakeDevice{
		t:       t,
		tr:      newFakeTransport(),
		devices: []string{"RetroArch"},
		mem:     make([]byte, addressSpaceSize),
		live:    make([]byte, SavestateSize),
		files:   make(map[string][]byte),
		dirs:    map[string]bool{"": true, "/": true},
	}
	d.tr.onSend = d.handle
	return d
}

func (d *fakeDevice) handle(msg transport.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.Kind == transport.Binary {
		d.handleBinary(msg.Data)
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		d.t.Errorf("fake device: bad request: %v", err)
		return
	}
	d.handleRequest(req)
}

func (d *fakeDevice) handleRequest(req protocol.Request) {
	switch req.Opcode {
	case protocol.OpDeviceList:
		d.tr.pushReply(d.devices...)

	case protocol.OpAttach, protocol.OpName, protocol.OpBoot, protocol.OpMenu, protocol.OpReset:
		// no reply

	case protocol.OpInfo:
		d.tr.pushReply("1.11.0", "fake-1.0", "game.sfc", "", "")

	case protocol.OpGetAddress:
		if d.onGetAddress != nil {
			d.onGetAddress()
		}
		var out []byte
		for i := 0; i+1 < len(req.Operands); i += 2 {
			addr, _ := protocol.ParseHex(req.Operands[i])
			size, _ := protocol.ParseHex(req.Operands[i+1])
			out = append(out, d.mem[addr:addr+size]...)
		}
		d.pushFrames(out)

	case protocol.OpPutAddress:
		if req.Space == protocol.SpaceCMD {
			d.pendingCMD = true
			return
		}
		addr, _ := protocol.ParseHex(req.Operands[0])
		size, _ := protocol.ParseHex(req.Operands[1])
		d.pendingWrites = append(d.pendingWrites, pendingWrite{addr: addr, size: int(size)})

	case protocol.OpPutFile:
		size, _ := protocol.ParseHex(req.Operands[1])
		d.pendingPut = &pendingPut{path: req.Operands[0], size: int(size)}
		if d.pendingPut.size == 0 {
			d.storePut()
		}

	case protocol.OpGetFile:
		data, ok := d.files[req.Operands[0]]
		if !ok {
			d.tr.pushReply("0")
			return
		}
		d.tr.pushReply(protocol.Hex(uint32(len(data))))
		d.pushFrames(data)

	case protocol.OpList:
		d.tr.pushReply(d.listDir(req.Operands[0])...)

	case protocol.OpMakeDir:
		d.dirs[req.Operands[0]] = true

	case protocol.OpRemove:
		delete(d.files, req.Operands[0])
		delete(d.dirs, req.Operands[0])

	default:
		d.t.Errorf("fake device: unhandled opcode %s", req.Opcode)
	}
}

func (d *fakeDevice) handleBinary(data []byte) {
	switch {
	case len(d.pendingWrites) > 0:
		w := d.pendingWrites[0]
		d.pendingWrites = d.pendingWrites[1:]
		if len(data) != w.size {
			d.t.Errorf("fake device: write %06x announced %d bytes, got %d", w.addr, w.size, len(data))
		}
		copy(d.mem[w.addr:], data)
		d.applySavestateFlags(w.addr, data)

	case d.pendingCMD:
		d.pendingCMD = false
		d.lastCMD = append([]byte(nil), data...)

	case d.pendingPut != nil:
		d.pendingPut.data = append(d.pendingPut.data, data...)
		if len(d.pendingPut.data) >= d.pendingPut.size {
			d.storePut()
		}

	default:
		d.t.Errorf("fake device: unexpected binary frame (%d bytes)", len(data))
	}
}

func (d *fakeDevice) storePut() {
	d.files[d.pendingPut.path] = d.pendingPut.data
	d.pendingPut = nil
}

// applySavestateFlags emulates the patched ROM: raising saveRequested
// snapshots live state into the staging buffer, raising loadRequested
// copies it back, and both flags clear immediately.
func (d *fakeDevice) applySavestateFlags(addr uint32, data []byte) {
	ifc := savestateInterfaceOld
	if addr <= ifc && ifc < addr+uint32(len(data)) && d.mem[ifc] == 1 {
		d.mem[ifc] = 0
		copy(d.mem[savestateDataAddress:savestateDataAddress+SavestateSize], d.live)
	}
	if addr <= ifc+1 && ifc+1 < addr+uint32(len(data)) && d.mem[ifc+1] == 1 {
		d.mem[ifc+1] = 0
		copy(d.live, d.mem[savestateDataAddress:savestateDataAddress+SavestateSize])
	}
}

func (d *fakeDevice) pushFrames(data []byte) {
	if len(data) == 0 {
		return
	}
	frame := d.getFrameSize
	if frame <= 0 {
		frame = len(data)
	}
	for off := 0; off < len(data); off += frame {
		end := off + frame
		if end > len(data) {
			end = len(data)
		}
		d.tr.pushBinary(data[off:end])
	}
}

func (d *fakeDevice) listDir(dir string) []string {
	if !d.dirs[dir] && dir != "" && dir != "/" {
		return nil
	}
	var results []string
	prefix := dir
	if prefix == "" || prefix == "/" {
		prefix = ""
	}
	seen := map[string]bool{}
	add := func(typ, name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		results = append(results, typ, name)
	}
	for p := range d.dirs {
		if parent, name := splitRemote(p); parent == prefix {
			add("0", name)
		}
	}
	for p := range d.files {
		if parent, name := splitRemote(p); parent == prefix {
			add("1", name)
		}
	}
	return results
}

func splitRemote(p string) (parent, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}

// memSet writes directly into fake device memory.
func (d *fakeDevice) memSet(addr uint32, data []byte) {
	d.mu.Lock()
	copy(d.mem[addr:], data)
	d.mu.Unlock()
}

// memGet reads directly from fake device memory.
func (d *fakeDevice) memGet(addr uint32, size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.mem[addr:addr+uint32(size)]...)
}

func (d *fakeDevice) setLive(data []byte) {
	d.mu.Lock()
	copy(d.live, data)
	d.mu.Unlock()
}

func (d *fakeDevice) liveCopy() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.live...)
}

func (d *fakeDevice) fileCopy(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}
