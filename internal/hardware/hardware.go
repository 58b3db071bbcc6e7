package hardware

import "errors"

// ErrUnknownBoard is returned when an operation names a board that was
// not configured.
var ErrUnknownBoard = errors.New("hardware: unknown board")

// ErrUnknownChannel is returned for channels outside a board's range.
var ErrUnknownChannel = errors.New("hardware: channel out of range")

// Adapter abstracts the relay expander boards and DAC boards behind one
// surface. Channel values are physical levels; active-high/active-low
// translation happens in the relay manager, which knows the device.
type Adapter interface {
	// WriteChannel drives one relay channel to the given level.
	WriteChannel(board string, channel int, level bool) error
	// ReadChannel returns the level for a channel, read back from the
	// board where the transport supports it.
	ReadChannel(board string, channel int) (bool, error)
	// CommitWord writes a full 16-bit output word in one bus
	// transaction.
	CommitWord(board string, word uint16) error
	// SetDACPercent sets a DAC output as a percentage of full scale
	// (0-100% maps to 0-10 V).
	SetDACPercent(board string, channel int, pct float64) error
	Close() error
}
