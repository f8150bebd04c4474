package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/charlpcronje/FXD-sub007/internal/engine/store"
	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

// coalescer merges signals for the same node arriving within a time
// window before fan-out. The merged signal keeps the oldest base version,
// the newest value and index, and a delta spanning old to new across the
// window. Only live delivery is coalesced; the retained window and the
// durable log keep every individual signal.
type coalescer struct {
	stream  *Stream
	window  time.Duration
	mu      sync.Mutex
	pending map[store.NodeID]Signal
	order   []store.NodeID
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newCoalescer(s *Stream, windowNanos int64) *coalescer {
	window := time.Duration(windowNanos)
	if window <= 0 {
		window = 20 * time.Millisecond
	}
	c := &coalescer{
		stream:  s,
		window:  window,
		pending: make(map[store.NodeID]Signal),
		stopCh:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *coalescer) add(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sig.Node
	prev, ok := c.pending[key]
	if !ok || prev.Kind != sig.Kind {
		if ok {
			// Kind changed mid-window; flush the previous one as-is.
			c.emitLocked(prev)
		} else {
			c.order = append(c.order, key)
		}
		c.pending[key] = sig
		return
	}
	merged, err := merge(prev, sig)
	if err != nil {
		slog.Warn("signal coalescing failed, emitting separately", "node", sig.Node, "error", err)
		c.emitLocked(prev)
		c.pending[key] = sig
		return
	}
	observability.SignalsCoalescedTotal.Inc()
	c.pending[key] = merged
}

func (c *coalescer) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			c.flush()
			return
		}
	}
}

func (c *coalescer) flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	out := make([]Signal, 0, len(c.order))
	for _, key := range c.order {
		if sig, ok := c.pending[key]; ok {
			out = append(out, sig)
		}
	}
	c.pending = make(map[store.NodeID]Signal)
	c.order = c.order[:0]
	c.mu.Unlock()

	for _, sig := range out {
		c.stream.mu.Lock()
		subs := c.stream.matchingLocked(sig)
		c.stream.mu.Unlock()
		for _, sub := range subs {
			sub.deliver(sig)
		}
	}
}

// emitLocked bypasses merging for a single signal. Caller holds c.mu.
func (c *coalescer) emitLocked(sig Signal) {
	c.stream.mu.Lock()
	subs := c.stream.matchingLocked(sig)
	c.stream.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(sig)
	}
}

func (c *coalescer) stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// merge folds next into prev: versions span prev.Base to next.New, delta
// spans prev's old value to next's new value.
func merge(prev, next Signal) (Signal, error) {
	oldV, _, err := prev.DecodeDelta()
	if err != nil {
		return Signal{}, err
	}
	_, newV, err := next.DecodeDelta()
	if err != nil {
		return Signal{}, err
	}
	delta, err := EncodeDelta(oldV, newV)
	if err != nil {
		return Signal{}, err
	}
	merged := next
	merged.Base = prev.Base
	merged.Delta = delta
	return merged, nil
}
