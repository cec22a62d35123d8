package devices

import (
	"sync"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// pending is one frame plus the descriptor settings it must be rendered with.
type pending struct {
	frame      *types.Frame
	brightness int
	sector     int
	pixelMode  bool
}

// frameSlot is a single-slot mailbox: publish overwrites, take blocks.
// A slow device only ever holds the newest frame and never delays its siblings.
type frameSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	item   *pending
	closed bool

	drops uint64
}

func newFrameSlot() *frameSlot {
	s := &frameSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// publish never blocks.
func (s *frameSlot) publish(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.item != nil {
		s.drops++
	}
	s.item = p
	s.cond.Signal()
}

// take blocks until an item is available. It returns nil once closed.
func (s *frameSlot) take() *pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.item == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil
	}

	p := s.item
	s.item = nil
	return p
}

func (s *frameSlot) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *frameSlot) dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
