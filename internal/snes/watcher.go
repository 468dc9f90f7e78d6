package snes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Belthasaran/rhplay-sub002/pkg/log"
	"github.com/tevino/abool"
)

// DefaultPollInterval is the watcher poll rate when none is given.
const DefaultPollInterval = 100 * time.Millisecond

// Predicate is any boolean condition over a region's raw bytes.
type Predicate func([]byte) bool

// ValueIs matches a region whose bytes equal target exactly.
func ValueIs(target []byte) Predicate {
	return func(b []byte) bool { return bytes.Equal(b, target) }
}

// FirstByteIs matches a region whose first byte equals v.
func FirstByteIs(v byte) Predicate {
	return func(b []byte) bool { return len(b) > 0 && b[0] == v }
}

// Change describes one region whose bytes differed between two polls.
type Change struct {
	Region MemoryRegion
	Old    []byte
	New    []byte
}

// Watcher polls a set of regions with one batched read per cycle and
// reports changes. Poll errors are logged and the loop continues; the
// watcher only stops itself when the connection is lost or Stop is
// called. Many watchers can run at once; their polls interleave
// through the connection's request channel.
type Watcher struct {
	conn     *Conn
	regions  []MemoryRegion
	interval time.Duration
	onChange func([]Change)
	log      log.Logger

	running  *abool.AtomicBool
	stop     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	prev [][]byte
}

// NewWatcher creates a stopped watcher over the given regions.
// onChange receives every changed region of a poll cycle in one call.
func (c *Conn) NewWatcher(regions []MemoryRegion, interval time.Duration, onChange func([]Change)) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &Watcher{
		conn:     c,
		regions:  regions,
		interval: interval,
		onChange: onChange,
		log:      log.Prefixed(c.log, "watcher"),
		running:  abool.New(),
		stop:     make(chan struct{}),
	}
	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()
	return w
}

// Start performs the initial read and begins polling. A stopped
// watcher is spent; create a new one instead of restarting it.
func (w *Watcher) Start(ctx context.Context) error {
	select {
	case <-w.stop:
		return fmt.Errorf("watcher: %w: already stopped", ErrPreconditionFailed)
	default:
	}
	if !w.running.SetToIf(false, true) {
		w.log.Errorf("already running")
		return nil
	}
	w.log.Infof("starting (%d regions, %v poll interval)", len(w.regions), w.interval)

	initial, err := w.conn.ReadMemoryBatch(ctx, w.regions)
	if err != nil {
		w.running.UnSet()
		return fmt.Errorf("watcher: %w", err)
	}
	w.mu.Lock()
	w.prev = initial
	w.mu.Unlock()

	go w.loop()
	return nil
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.IsSet()
}

// Stop ends the poll loop. The stop flag is checked between polls, not
// during an in-flight request; the protocol has no way to abort one.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.running.UnSet()

	w.conn.mu.Lock()
	delete(w.conn.watchers, w)
	w.conn.mu.Unlock()
}

// Values returns a copy of the most recent bytes for every region.
func (w *Watcher) Values() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.prev))
	for i, v := range w.prev {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

func (w *Watcher) loop() {
	defer w.running.UnSet()
	ctx := context.Background()

	for {
		select {
		case <-w.stop:
			w.log.Infof("stopped")
			return
		case <-time.After(w.interval):
		}

		current, err := w.conn.ReadMemoryBatch(ctx, w.regions)
		if err != nil {
			if errors.Is(err, ErrConnectionLost) {
				w.log.Errorf("connection lost, stopping")
				w.Stop()
				return
			}
			// One bad poll must not kill long-running monitoring.
			w.log.Errorf("poll error: %v", err)
			continue
		}

		w.mu.Lock()
		var changes []Change
		for i := range current {
			if !bytes.Equal(w.prev[i], current[i]) {
				changes = append(changes, Change{
					Region: w.regions[i],
					Old:    w.prev[i],
					New:    current[i],
				})
			}
		}
		w.prev = current
		w.mu.Unlock()

		if len(changes) > 0 && w.onChange != nil {
			w.onChange(changes)
		}
	}
}

// Condition pairs a region with the predicate it must satisfy.
type Condition struct {
	Region MemoryRegion
	Pred   Predicate
}

// WatchForValue polls one region until pred holds and returns the
// matching bytes, or fails with a timeout. timeout <= 0 means 30s.
func (c *Conn) WatchForValue(ctx context.Context, region MemoryRegion, pred Predicate, timeout, interval time.Duration) ([]byte, error) {
	results, err := c.WatchForConditions(ctx, []Condition{{Region: region, Pred: pred}}, timeout, interval)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// WatchForConditions polls all regions in one batched read per cycle
// until every condition holds in the same cycle, then returns that
// cycle's bytes in condition order.
func (c *Conn) WatchForConditions(ctx context.Context, conds []Condition, timeout, interval time.Duration) ([][]byte, error) {
	if len(conds) == 0 {
		return nil, fmt.Errorf("watch: %w: no conditions", ErrPreconditionFailed)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	regions := make([]MemoryRegion, len(conds))
	for i, cond := range conds {
		regions[i] = cond.Region
	}

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("watch: %w: conditions not met within %v", ErrTimeout, timeout)
		}

		values, err := c.ReadMemoryBatch(ctx, regions)
		if err != nil {
			if errors.Is(err, ErrConnectionLost) {
				return nil, fmt.Errorf("watch: %w", err)
			}
			c.log.Errorf("watch poll error: %v", err)
		} else {
			met := true
			for i, cond := range conds {
				if !cond.Pred(values[i]) {
					met = false
					break
				}
			}
			if met {
				return values, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("watch: %w: %v", ErrTimeout, ctx.Err())
		case <-time.After(interval):
		}
	}
}
