package hardware

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const i2cSlave = 0x0703

// busSet is the lowest hardware layer: raw register writes on a shared
// I2C bus. A single mutex serializes transactions; the expander and DAC
// share the wire.
type busSet struct {
	mu    sync.Mutex
	file  *os.File
	owned int // current slave address, -1 when unset
}

func openBus(devicePath string) (*busSet, error) {
	file, err := os.OpenFile(devicePath, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %s: %w", devicePath, err)
	}
	return &busSet{file: file, owned: -1}, nil
}

func (b *busSet) writeReg(addr int, reg byte, data ...byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.selectSlave(addr); err != nil {
		return err
	}
	buf := append([]byte{reg}, data...)
	if _, err := b.file.Write(buf); err != nil {
		return fmt.Errorf("i2c write addr 0x%02x reg 0x%02x: %w", addr, reg, err)
	}
	return nil
}

func (b *busSet) readReg(addr int, reg byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.selectSlave(addr); err != nil {
		return nil, err
	}
	if _, err := b.file.Write([]byte{reg}); err != nil {
		return nil, fmt.Errorf("i2c select reg 0x%02x on addr 0x%02x: %w", reg, addr, err)
	}
	buf := make([]byte, n)
	if _, err := b.file.Read(buf); err != nil {
		return nil, fmt.Errorf("i2c read addr 0x%02x reg 0x%02x: %w", addr, reg, err)
	}
	return buf, nil
}

func (b *busSet) selectSlave(addr int) error {
	if b.owned == addr {
		return nil
	}
	if err := unix.IoctlSetInt(int(b.file.Fd()), i2cSlave, addr); err != nil {
		return fmt.Errorf("i2c select slave 0x%02x: %w", addr, err)
	}
	b.owned = addr
	return nil
}

func (b *busSet) close() error {
	return b.file.Close()
}
