package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/config"
)

// MCP23017-style expander registers.
const (
	regIODirA = 0x00
	regIODirB = 0x01
	regOLatA  = 0x14
	regOLatB  = 0x15
)

// DAC register base; each channel is a 16-bit big-endian value where
// 0xFFFF is full scale (10 V).
const regDACBase = 0x02

const (
	ioRetries    = 3
	retryBackoff = 50 * time.Millisecond
)

type relayBoard struct {
	addr int
	word uint16
}

type dacBoard struct {
	addr int
}

// I2CAdapter drives real relay expanders and DACs over one I2C bus.
type I2CAdapter struct {
	mu     sync.Mutex
	bus    *busSet
	relays map[string]*relayBoard
	dacs   map[string]*dacBoard
}

func OpenI2C(cfg config.Hardware) (*I2CAdapter, error) {
	bus, err := openBus(cfg.I2CBus)
	if err != nil {
		return nil, err
	}

	a := &I2CAdapter{
		bus:    bus,
		relays: make(map[string]*relayBoard),
		dacs:   make(map[string]*dacBoard),
	}

	for _, b := range cfg.Boards {
		switch b.Type {
		case "relay":
			// All 16 channels as outputs, everything off.
			if err := bus.writeReg(b.Address, regIODirA, 0x00, 0x00); err != nil {
				bus.close()
				return nil, fmt.Errorf("failed to init relay board %s: %w", b.ID, err)
			}
			if err := bus.writeReg(b.Address, regOLatA, 0x00, 0x00); err != nil {
				bus.close()
				return nil, fmt.Errorf("failed to clear relay board %s: %w", b.ID, err)
			}
			a.relays[b.ID] = &relayBoard{addr: b.Address}
		case "dac":
			a.dacs[b.ID] = &dacBoard{addr: b.Address}
		}
	}

	log.Info().
		Str("bus", cfg.I2CBus).
		Int("relay_boards", len(a.relays)).
		Int("dac_boards", len(a.dacs)).
		Msg("I2C hardware opened")
	return a, nil
}

func (a *I2CAdapter) WriteChannel(board string, channel int, level bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, ok := a.relays[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	if channel < 0 || channel > 15 {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	word := rb.word
	if level {
		word |= 1 << uint(channel)
	} else {
		word &^= 1 << uint(channel)
	}
	if err := a.commitLocked(rb, word); err != nil {
		return err
	}
	return nil
}

func (a *I2CAdapter) ReadChannel(board string, channel int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, ok := a.relays[board]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	if channel < 0 || channel > 15 {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	// Read the output latch back from the board; a power-cycled expander
	// reports zeros here even when the mirror says otherwise.
	var buf []byte
	err := withRetries(func() error {
		var rerr error
		buf, rerr = a.bus.readReg(rb.addr, regOLatA, 2)
		return rerr
	})
	if err != nil {
		// Bus unreadable; the write mirror is the best answer available.
		return rb.word&(1<<uint(channel)) != 0, nil
	}
	word := uint16(buf[0]) | uint16(buf[1])<<8
	rb.word = word
	return word&(1<<uint(channel)) != 0, nil
}

func (a *I2CAdapter) CommitWord(board string, word uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, ok := a.relays[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	return a.commitLocked(rb, word)
}

// commitLocked writes the full output word with retries, updating the
// mirror only on success.
func (a *I2CAdapter) commitLocked(rb *relayBoard, word uint16) error {
	err := withRetries(func() error {
		return a.bus.writeReg(rb.addr, regOLatA, byte(word&0xFF), byte(word>>8))
	})
	if err != nil {
		return err
	}
	rb.word = word
	return nil
}

func (a *I2CAdapter) SetDACPercent(board string, channel int, pct float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dac, ok := a.dacs[board]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBoard, board)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	raw := uint16(pct / 100 * 0xFFFF)
	reg := byte(regDACBase + channel*2)
	return withRetries(func() error {
		return a.bus.writeReg(dac.addr, reg, byte(raw>>8), byte(raw&0xFF))
	})
}

func (a *I2CAdapter) Close() error {
	return a.bus.close()
}

func withRetries(op func() error) error {
	var err error
	for attempt := 0; attempt < ioRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		if err = op(); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("I2C transaction failed")
	}
	return err
}
