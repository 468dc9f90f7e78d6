// Package snes is a client engine for the usb2snes console protocol:
// device discovery and attach, console control, raw memory access,
// chunked file transfer, savestate capture/restore, and polled memory
// watching. The protocol is synchronous and carries no correlation
// ids, acknowledgements, or error replies for binary transfers, so all
// reliability lives here: strict request serialization, chunk sizing,
// explicit verification, and bounded timeouts on every wait.
package snes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Belthasaran/rhplay-sub002/internal/protocol"
	"github.com/Belthasaran/rhplay-sub002/internal/transport"
	"github.com/Belthasaran/rhplay-sub002/pkg/log"
	"github.com/Masterminds/semver/v3"
)

// State is the connection liveness state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Attached
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Attached:
		return "attached"
	default:
		return "disconnected"
	}
}

// Info is the parsed reply to the Info opcode.
type Info struct {
	FirmwareVersion string
	VersionString   string
	RomRunning      string
	Flag1           string
	Flag2           string
}

// Conn is a connection to a usb2snes server and the single owner of
// its request channel. All methods are safe for concurrent use; the
// protocol exchanges they perform are serialized internally.
type Conn struct {
	cfg Config
	log log.Logger

	lock requestLock
	tr   transport.Transport

	mu        sync.Mutex
	state     State
	device    string
	isSD2SNES bool
	firmware  string
	stateIfc  uint32
	watchers  map[*Watcher]struct{}
}

// Opt configures a Conn at construction.
type Opt func(*Conn)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Opt {
	return func(c *Conn) { c.log = l }
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Opt {
	return func(c *Conn) { c.cfg = cfg }
}

// WithChunkSize overrides the upload chunk size.
func WithChunkSize(n int) Opt {
	return func(c *Conn) { c.cfg.ChunkSize = n }
}

// WithReplyTimeout overrides the per-reply wait bound.
func WithReplyTimeout(d time.Duration) Opt {
	return func(c *Conn) { c.cfg.ReplyTimeout = d }
}

// New creates a disconnected Conn. Configuration comes from the
// USB2SNES_* environment, then the options.
func New(opts ...Opt) *Conn {
	c := &Conn{
		cfg:      ConfigFromEnv(),
		log:      log.NewNullLogger(),
		stateIfc: savestateInterfaceOld,
		watchers: make(map[*Watcher]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.Debugf("config: chunk=%d bufferLimit=%d preemptiveDir=%v verify=%v",
		c.cfg.ChunkSize, c.cfg.BufferLimit, c.cfg.PreemptiveDirCreate, c.cfg.VerifyAfterUpload)
	return c
}

// Connect dials the usb2snes server at url (e.g. ws://localhost:8080).
func (c *Conn) Connect(ctx context.Context, url string, opts ...transport.DialOption) error {
	c.mu.Lock()
	if c.tr != nil {
		c.mu.Unlock()
		return fmt.Errorf("connect: %w: already connected", ErrPreconditionFailed)
	}
	c.state = Connecting
	c.mu.Unlock()

	opts = append([]transport.DialOption{transport.WithLogger(c.log)}, opts...)
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, transport.WithDialTimeout(time.Until(deadline)))
	}

	tr, err := transport.Dial(url, opts...)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w: %v", url, ErrConnectionLost, err)
	}
	c.bind(tr)
	c.log.Infof("connected to %s", url)
	return nil
}

// ConnectWith binds an already-open transport, for callers that tunnel
// the connection themselves (or tests that fake the device).
func (c *Conn) ConnectWith(tr transport.Transport) {
	c.bind(tr)
}

func (c *Conn) bind(tr transport.Transport) {
	c.mu.Lock()
	c.tr = tr
	c.state = Connected
	c.mu.Unlock()

	go func() {
		<-tr.Done()
		c.mu.Lock()
		c.state = Disconnected
		watchers := make([]*Watcher, 0, len(c.watchers))
		for w := range c.watchers {
			watchers = append(watchers, w)
		}
		c.mu.Unlock()

		c.log.Errorf("connection lost: %v", tr.Err())
		for _, w := range watchers {
			w.Stop()
		}
	}()
}

// Close stops all watchers and tears the transport down.
func (c *Conn) Close() error {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.state = Disconnected
	watchers := make([]*Watcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.watchers = make(map[*Watcher]struct{})
	c.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	if tr == nil {
		return nil
	}
	return tr.Close()
}

// State reports the connection liveness state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Device reports the attached device name, if any.
func (c *Conn) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// FirmwareVersion reports the firmware version seen by Info.
func (c *Conn) FirmwareVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// DeviceList asks the server which devices are available to attach.
func (c *Conn) DeviceList(ctx context.Context) ([]string, error) {
	if err := c.requireState(Connected, "device list"); err != nil {
		return nil, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.release()

	if err := c.sendRequest(protocol.Request{Opcode: protocol.OpDeviceList, Space: protocol.SpaceSNES}); err != nil {
		return nil, fmt.Errorf("device list: %w", err)
	}
	reply, err := c.awaitReply(ctx, c.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("device list: %w", err)
	}
	if len(reply.Results) == 0 {
		return nil, fmt.Errorf("device list: %w: no device found", ErrPreconditionFailed)
	}
	return reply.Results, nil
}

// Attach binds the connection to one device from DeviceList. Device
// names containing "SD2SNES" (or bare COM ports, which are sd2snes
// carts on Windows) select the CMD-space write path for WRAM.
func (c *Conn) Attach(ctx context.Context, device string) error {
	if err := c.requireState(Connected, "attach"); err != nil {
		return err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpAttach,
		Space:    protocol.SpaceSNES,
		Operands: []string{device},
	})
	if err != nil {
		return fmt.Errorf("attach %s: %w", device, err)
	}

	c.mu.Lock()
	c.state = Attached
	c.device = device
	c.isSD2SNES = strings.Contains(strings.ToLower(device), "sd2snes") ||
		(len(device) == 4 && strings.HasPrefix(device, "COM"))
	c.mu.Unlock()

	c.log.Infof("attached to %s", device)
	return nil
}

// Info queries the attached device and records its firmware version,
// which selects the savestate interface address.
func (c *Conn) Info(ctx context.Context) (Info, error) {
	if err := c.requireAttached("info"); err != nil {
		return Info{}, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return Info{}, err
	}

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpInfo,
		Space:    protocol.SpaceSNES,
		Operands: []string{c.Device()},
	})
	if err != nil {
		c.lock.release()
		return Info{}, fmt.Errorf("info: %w", err)
	}
	reply, err := c.awaitReply(ctx, c.cfg.ReplyTimeout)
	c.lock.release()
	if err != nil {
		return Info{}, fmt.Errorf("info: %w", err)
	}

	info := Info{
		FirmwareVersion: result(reply, 0),
		VersionString:   result(reply, 1),
		RomRunning:      result(reply, 2),
		Flag1:           result(reply, 3),
		Flag2:           result(reply, 4),
	}
	if info.FirmwareVersion != "" {
		c.SetFirmwareVersion(info.FirmwareVersion)
	}
	return info, nil
}

// SetFirmwareVersion records the firmware version and moves the
// savestate interface address for firmware 11 and later.
func (c *Conn) SetFirmwareVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firmware = version
	if firmwareMajor(version) >= savestateInterfaceCutover {
		c.stateIfc = savestateInterfaceNew
		c.log.Debugf("savestate interface at %06x (firmware >= 11)", savestateInterfaceNew)
	} else {
		c.stateIfc = savestateInterfaceOld
		c.log.Debugf("savestate interface at %06x (firmware < 11)", savestateInterfaceOld)
	}
}

// Name registers a client name with the server.
func (c *Conn) Name(ctx context.Context, name string) error {
	return c.fireAndForget(ctx, "name", protocol.Request{
		Opcode:   protocol.OpName,
		Space:    protocol.SpaceSNES,
		Operands: []string{name},
	})
}

// Boot asks the device to boot the ROM at the given console path.
func (c *Conn) Boot(ctx context.Context, rom string) error {
	return c.fireAndForget(ctx, "boot", protocol.Request{
		Opcode:   protocol.OpBoot,
		Space:    protocol.SpaceSNES,
		Operands: []string{rom},
	})
}

// Menu returns the device to its menu.
func (c *Conn) Menu(ctx context.Context) error {
	return c.fireAndForget(ctx, "menu", protocol.Request{
		Opcode: protocol.OpMenu,
		Space:  protocol.SpaceSNES,
	})
}

// Reset resets the running ROM.
func (c *Conn) Reset(ctx context.Context) error {
	return c.fireAndForget(ctx, "reset", protocol.Request{
		Opcode: protocol.OpReset,
		Space:  protocol.SpaceSNES,
	})
}

// fireAndForget sends a request the protocol defines no reply for.
// The request channel is still held for the send so it cannot
// interleave with another operation's reply.
func (c *Conn) fireAndForget(ctx context.Context, op string, req protocol.Request) error {
	if err := c.requireAttached(op); err != nil {
		return err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.release()
	if err := c.sendRequest(req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// sendRequest marshals and sends one JSON control message. The request
// channel must be held.
func (c *Conn) sendRequest(req protocol.Request) error {
	tr := c.transport()
	if tr == nil {
		return ErrConnectionLost
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := tr.Send(transport.Message{Kind: transport.Text, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// sendBinary sends one raw payload frame. The request channel must be
// held.
func (c *Conn) sendBinary(data []byte) error {
	tr := c.transport()
	if tr == nil {
		return ErrConnectionLost
	}
	if err := tr.Send(transport.Message{Kind: transport.Binary, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// awaitReply waits for the next text frame; by protocol ordering it is
// the reply to the most recent request. The request channel must be
// held.
func (c *Conn) awaitReply(ctx context.Context, timeout time.Duration) (*protocol.Reply, error) {
	tr := c.transport()
	if tr == nil {
		return nil, ErrConnectionLost
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-tr.Recv():
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, tr.Err())
		}
		if msg.Kind != transport.Text {
			return nil, fmt.Errorf("%w: binary frame where reply expected", ErrProtocolMismatch)
		}
		var reply protocol.Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return nil, fmt.Errorf("%w: bad reply: %v", ErrProtocolMismatch, err)
		}
		return &reply, nil
	case <-tr.Done():
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, tr.Err())
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply within %v", ErrTimeout, timeout)
	}
}

// awaitBinary accumulates binary frames until total bytes arrive. Each
// frame wait is bounded by frameTimeout. onFrame, if set, observes
// cumulative progress. The request channel must be held.
func (c *Conn) awaitBinary(ctx context.Context, total int, frameTimeout time.Duration, onFrame func(received int)) ([]byte, error) {
	tr := c.transport()
	if tr == nil {
		return nil, ErrConnectionLost
	}

	data := make([]byte, 0, total)
	for len(data) < total {
		timer := time.NewTimer(frameTimeout)
		select {
		case msg, ok := <-tr.Recv():
			timer.Stop()
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrConnectionLost, tr.Err())
			}
			if msg.Kind != transport.Binary {
				return nil, fmt.Errorf("%w: text frame inside binary payload", ErrProtocolMismatch)
			}
			data = append(data, msg.Data...)
			if onFrame != nil {
				onFrame(len(data))
			}
		case <-tr.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, tr.Err())
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("%w: received %d/%d bytes", ErrTimeout, len(data), total)
		}
	}
	if len(data) != total {
		return nil, fmt.Errorf("%w: requested %d bytes, received %d", ErrProtocolMismatch, total, len(data))
	}
	return data, nil
}

func (c *Conn) transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr
}

func (c *Conn) requireState(min State, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < min {
		return fmt.Errorf("%s: %w: connection is %s", op, ErrConnectionLost, c.state)
	}
	return nil
}

func (c *Conn) requireAttached(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state < Connected:
		return fmt.Errorf("%s: %w: connection is %s", op, ErrConnectionLost, c.state)
	case c.state != Attached:
		return fmt.Errorf("%s: %w: no device attached", op, ErrPreconditionFailed)
	}
	return nil
}

func (c *Conn) sd2snes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSD2SNES
}

func (c *Conn) savestateInterface() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateIfc
}

func result(r *protocol.Reply, i int) string {
	if i < len(r.Results) {
		return r.Results[i]
	}
	return ""
}

// firmwareMajor extracts the major version from a firmware string.
// Firmware strings are usually semver-ish ("1.11.0", "11.0") but some
// emulators report free-form text; fall back to the first digit run.
func firmwareMajor(version string) int {
	if v, err := semver.NewVersion(strings.TrimPrefix(version, "v")); err == nil {
		return int(v.Major())
	}
	start := -1
	for i, r := range version {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, _ := strconv.Atoi(version[start:i])
			return n
		}
	}
	if start >= 0 {
		n, _ := strconv.Atoi(version[start:])
		return n
	}
	return 0
}
