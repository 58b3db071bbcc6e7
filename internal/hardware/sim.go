package hardware

import (
	"fmt"
	"sync"
	"time"
)

// SimOp records one operation against the simulated hardware.
type SimOp struct {
	Time    time.Time
	Op      string
	Board   string
	Channel int
	Level   bool
	Percent float64
	Word    uint16
}

// Sim is the in-memory hardware variant. It mirrors the adapter
// interface, timestamps every operation, and never fails unless a fault
// is injected.
type Sim struct {
	mu      sync.Mutex
	relays  map[string]uint16
	dacs    map[string]map[int]float64
	ops     []SimOp
	FailFor map[string]error // board -> injected error
}

func NewSim(relayBoards, dacBoards []string) *Sim {
	s := &Sim{
		relays:  make(map[string]uint16),
		dacs:    make(map[string]map[int]float64),
		FailFor: make(map[string]error),
	}
	for _, b := range relayBoards {
		s.relays[b] = 0
	}
	for _, b := range dacBoards {
		s.dacs[b] = make(map[int]float64)
	}
	return s
}

func (s *Sim) WriteChannel(board string, channel int, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailFor[board]; err != nil {
		return err
	}
	word, ok := s.relays[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	if channel < 0 || channel > 15 {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if level {
		word |= 1 << uint(channel)
	} else {
		word &^= 1 << uint(channel)
	}
	s.relays[board] = word
	s.ops = append(s.ops, SimOp{Time: time.Now(), Op: "write", Board: board, Channel: channel, Level: level})
	return nil
}

func (s *Sim) ReadChannel(board string, channel int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	word, ok := s.relays[board]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	return word&(1<<uint(channel)) != 0, nil
}

func (s *Sim) CommitWord(board string, word uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailFor[board]; err != nil {
		return err
	}
	if _, ok := s.relays[board]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	s.relays[board] = word
	s.ops = append(s.ops, SimOp{Time: time.Now(), Op: "commit", Board: board, Word: word})
	return nil
}

func (s *Sim) SetDACPercent(board string, channel int, pct float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailFor[board]; err != nil {
		return err
	}
	chans, ok := s.dacs[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	chans[channel] = pct
	s.ops = append(s.ops, SimOp{Time: time.Now(), Op: "dac", Board: board, Channel: channel, Percent: pct})
	return nil
}

func (s *Sim) Close() error {
	return nil
}

// DACPercent returns the last commanded DAC output for inspection.
func (s *Sim) DACPercent(board string, channel int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dacs[board][channel]
}

// Ops returns a copy of the recorded operation log.
func (s *Sim) Ops() []SimOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimOp, len(s.ops))
	copy(out, s.ops)
	return out
}
