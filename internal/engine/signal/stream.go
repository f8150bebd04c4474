package signal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/charlpcronje/FXD-sub007/internal/shared/observability"
)

// Stream fans committed signals out to subscribers and answers bounded
// cursor reads. It retains every signal published since the last
// checkpoint; older cursors resume from the start of the retained window.
//
// Publish never blocks on a slow subscriber: when a subscriber's buffer is
// full the oldest buffered signal is dropped and counted, and the consumer
// is expected to catch up with a cursor replay.
type Stream struct {
	mu        sync.Mutex
	retained  []Signal
	nextIndex uint64 // index the next published signal receives
	subs      map[uuid.UUID]*Subscription
	bufSize   int
	coal      *coalescer
}

type Options struct {
	BufferSize     int
	Coalescing     bool
	CoalesceWindow int64 // nanoseconds; see config
}

func NewStream(opts Options) *Stream {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	s := &Stream{
		nextIndex: 1,
		subs:      make(map[uuid.UUID]*Subscription),
		bufSize:   opts.BufferSize,
	}
	if opts.Coalescing {
		s.coal = newCoalescer(s, opts.CoalesceWindow)
	}
	return s
}

// NextIndex returns the index the next published signal will carry. The
// commit path reads it before writing the SIGNAL record so the durable
// record and the in-memory stream agree.
func (s *Stream) NextIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// AdvanceTo fast-forwards the index counter to a checkpoint high-water
// mark. Recovery calls this before replaying the retained window, so
// indexes stay dense even when the window was truncated.
func (s *Stream) AdvanceTo(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextIndex {
		s.nextIndex = next
	}
}

// Publish appends a committed signal to the retained window and delivers
// it to matching subscribers. The signal's Index must be the value
// NextIndex returned inside the same commit.
func (s *Stream) Publish(sig Signal) {
	s.mu.Lock()
	if sig.Index < s.nextIndex {
		s.mu.Unlock()
		slog.Warn("signal published with stale index", "index", sig.Index, "next", s.nextIndex)
		return
	}
	s.nextIndex = sig.Index + 1
	s.retained = append(s.retained, sig)
	observability.SignalsPublishedTotal.Inc()
	observability.SignalRetainedDepth.Set(float64(len(s.retained)))

	// Hand off outside the lock: the coalescer takes s.mu when it emits.
	if s.coal != nil {
		s.mu.Unlock()
		s.coal.add(sig)
		return
	}
	subs := s.matchingLocked(sig)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(sig)
	}
}

// Restore re-installs a signal recovered from the WAL without delivering
// it to subscribers (none exist yet during recovery).
func (s *Stream) Restore(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained = append(s.retained, sig)
	if sig.Index >= s.nextIndex {
		s.nextIndex = sig.Index + 1
	}
	observability.SignalRetainedDepth.Set(float64(len(s.retained)))
}

func (s *Stream) matchingLocked(sig Signal) []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.filter.matches(sig) {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Read returns every retained signal with index strictly greater than
// cursor, in commit order, up to the current tail.
func (s *Stream) Read(cursor uint64, filter Filter) ([]Signal, error) {
	cf, err := filter.compile()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Signal
	for _, sig := range s.retained {
		if sig.Index > cursor && cf.matches(sig) {
			out = append(out, sig)
		}
	}
	return out, nil
}

// Subscribe replays every retained signal after cursor into the
// subscription buffer, then keeps delivering new commits until Cancel.
func (s *Stream) Subscribe(cursor uint64, filter Filter) (*Subscription, error) {
	cf, err := filter.compile()
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.New(),
		ch:     make(chan Signal, s.bufSize),
		filter: cf,
		stream: s,
	}

	// Backlog goes into the buffer before the subscription becomes
	// visible to Publish, so a concurrent commit cannot jump ahead of
	// older retained signals. deliver never blocks, so holding s.mu here
	// is safe.
	s.mu.Lock()
	for _, sig := range s.retained {
		if sig.Index > cursor && cf.matches(sig) {
			sub.deliver(sig)
		}
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	observability.SignalSubscribers.Inc()
	return sub, nil
}

// Truncate drops retained signals with index at or below upto. The
// checkpoint path calls this after the snapshot is durable.
func (s *Stream) Truncate(upto uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.retained[:0]
	for _, sig := range s.retained {
		if sig.Index > upto {
			kept = append(kept, sig)
		}
	}
	s.retained = kept
	observability.SignalRetainedDepth.Set(float64(len(s.retained)))
}

// Retained returns a copy of the retained window, oldest first.
func (s *Stream) Retained() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.retained...)
}

// Close cancels every subscription and stops the coalescer.
func (s *Stream) Close() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	if s.coal != nil {
		s.coal.stop()
	}
}

func (s *Stream) unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		observability.SignalSubscribers.Dec()
	}
}

// Subscription is a live feed handle. Signals arrive on C in commit order;
// Cancel releases the handle and closes C.
type Subscription struct {
	id      uuid.UUID
	ch      chan Signal
	filter  compiledFilter
	stream  *Stream
	mu      sync.Mutex
	dropped uint64
	done    bool
}

func (s *Subscription) C() <-chan Signal { return s.ch }

func (s *Subscription) ID() string { return s.id.String() }

// Dropped reports how many signals were discarded because the consumer
// fell behind. A consumer seeing a non-zero count should re-subscribe from
// its last processed cursor.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.stream.unsubscribe(s.id)
	close(s.ch)
}

func (s *Subscription) deliver(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for {
		select {
		case s.ch <- sig:
			return
		default:
		}
		// Buffer full: drop the oldest to keep the tail fresh.
		select {
		case <-s.ch:
			s.dropped++
			observability.SignalsDroppedTotal.Inc()
		default:
		}
	}
}
