package server

import (
	"sync"
	"time"

	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/samber/lo"
)

const gapTimeout = 2 * time.Second

// sequencer restores room order for events arriving from concurrent
// broadcasts. Events are held until the connection knows its join sequence;
// from then on they are emitted in sequence order. A missing sequence number
// is given up on after gapTimeout, since the mutation that allocated it may
// never be broadcast here.
type sequencer struct {
	mu      sync.Mutex
	started bool
	stopped bool
	next    uint64
	pending map[uint64]types.Event
	timer   *time.Timer
	timeout time.Duration
	emit    func(types.Event)
}

func newSequencer(timeout time.Duration, emit func(types.Event)) *sequencer {
	return &sequencer{
		pending: make(map[uint64]types.Event),
		timeout: timeout,
		emit:    emit,
	}
}

// start releases buffered events, dropping those that happened before
// joinSeq.
func (s *sequencer) start(joinSeq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.next = joinSeq
	for seq := range s.pending {
		if seq < joinSeq {
			delete(s.pending, seq)
		}
	}
	s.flush()
}

func (s *sequencer) push(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if ev.Seq == 0 {
		s.emit(ev)
		return
	}
	if s.started && ev.Seq < s.next {
		return
	}

	s.pending[ev.Seq] = ev
	if s.started {
		s.flush()
	}
}

// flush emits every event that is next in line and arms the gap timer if
// anything is left waiting. Callers hold mu.
func (s *sequencer) flush() {
	progressed := false
	for {
		ev, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		s.emit(ev)
		s.next++
		progressed = true
	}

	if s.timer != nil && (progressed || len(s.pending) == 0) {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) > 0 && s.timer == nil {
		s.timer = time.AfterFunc(s.timeout, s.skipGap)
	}
}

func (s *sequencer) skipGap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if s.stopped || len(s.pending) == 0 {
		return
	}
	s.next = lo.Min(lo.Keys(s.pending))
	s.flush()
}

func (s *sequencer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	clear(s.pending)
}
