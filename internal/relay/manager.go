package relay

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/hardware"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

// ErrMinHoldTime is returned when a toggle arrives inside the device's
// minimum on/off window.
var ErrMinHoldTime = fmt.Errorf("relay: device inside minimum hold time")

const faultThreshold = 3

// TransitionSink receives transition records for persistence.
type TransitionSink interface {
	RecordTransition(t model.Transition)
}

// FaultReporter is notified about consecutive hardware failures and
// recoveries so the alarm manager can escalate.
type FaultReporter interface {
	HardwareFailure(zone model.Zone, device string, consecutive int)
	HardwareSuccess(zone model.Zone, device string)
}

// Manager owns every DeviceState. All state mutation funnels through
// Apply, which only commits after the hardware accepted the command.
type Manager struct {
	mu       sync.Mutex
	hw       hardware.Adapter
	conn     *sql.DB
	devices  map[string]*model.Device
	states   map[string]*model.DeviceState
	failures map[string]int
	sink     TransitionSink
	faults   FaultReporter
}

func NewManager(hw hardware.Adapter, conn *sql.DB, devices []model.Device, sink TransitionSink, faults FaultReporter) *Manager {
	m := &Manager{
		hw:       hw,
		conn:     conn,
		devices:  make(map[string]*model.Device),
		states:   make(map[string]*model.DeviceState),
		failures: make(map[string]int),
		sink:     sink,
		faults:   faults,
	}
	for i := range devices {
		d := devices[i]
		m.devices[d.Key()] = &d
		m.states[d.Key()] = &model.DeviceState{
			Mode:        model.ModeAuto,
			LastChanged: time.Now(),
			LastReason:  model.ReasonStartup,
		}
	}
	return m
}

// Restore asserts every relay off, loads persisted state, and re-applies
// it. With safeStart set, devices whose safe_state is OFF stay off
// regardless of what was persisted.
func (m *Manager) Restore(safeStart bool) error {
	m.mu.Lock()
	boards := map[string]bool{}
	for _, d := range m.devices {
		boards[d.Board] = true
	}
	m.mu.Unlock()

	for board := range boards {
		if err := m.hw.CommitWord(board, 0); err != nil {
			return fmt.Errorf("failed to clear relay board %s: %w", board, err)
		}
	}

	for _, key := range m.Keys() {
		m.mu.Lock()
		d := m.devices[key]
		m.mu.Unlock()

		persisted, err := db.GetDeviceState(m.conn, d.Zone, d.Name)
		if err != nil {
			log.Warn().Err(err).Str("device", key).Msg("No persisted state, starting off")
			continue
		}

		m.mu.Lock()
		st := m.states[key]
		st.Mode = persisted.Mode
		st.Seq = persisted.Seq
		st.Intensity = persisted.Intensity
		m.mu.Unlock()

		target := persisted.On
		if safeStart && d.SafeState == model.SafeOff {
			target = false
		}

		if target || (d.Dimmable() && persisted.Intensity > 0) {
			intensity := persisted.Intensity
			err := m.Apply(key, model.Command{On: target, Intensity: &intensity, Reason: model.ReasonStartup})
			if err != nil {
				return fmt.Errorf("failed to restore device %s: %w", key, err)
			}
		}
	}

	log.Info().Int("devices", len(m.devices)).Bool("safe_start", safeStart).Msg("Device states restored")
	return nil
}

// Apply commits a command to hardware and, on success, updates the
// device state. Reapplying the current state is a no-op and emits no
// transition.
func (m *Manager) Apply(key string, cmd model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[key]
	if !ok {
		return fmt.Errorf("relay: unknown device %s", key)
	}
	st := m.states[key]
	now := time.Now()

	toggling := st.On != cmd.On
	intensityChange := d.Dimmable() && cmd.Intensity != nil && *cmd.Intensity != st.Intensity

	if !toggling && !intensityChange {
		// Same command twice: refresh bookkeeping only.
		st.DutyCycle = cmd.DutyCycle
		return nil
	}

	// Failsafe and startup moves bypass the short-cycle guard.
	if toggling && cmd.Reason != model.ReasonFailsafe && cmd.Reason != model.ReasonStartup {
		if !m.canToggle(d, st, now) {
			return ErrMinHoldTime
		}
	}

	if toggling {
		level := cmd.On == d.ActiveHigh
		if err := m.hw.WriteChannel(d.Board, d.Channel, level); err != nil {
			m.failures[key]++
			log.Error().Err(err).Str("device", key).Int("consecutive", m.failures[key]).Msg("Relay write failed")
			if m.faults != nil && m.failures[key] >= faultThreshold {
				m.faults.HardwareFailure(d.Zone, d.Name, m.failures[key])
			}
			return fmt.Errorf("relay write %s: %w", key, err)
		}
	}

	if intensityChange || (toggling && d.Dimmable()) {
		pct := st.Intensity
		if cmd.Intensity != nil {
			pct = *cmd.Intensity
		}
		if !cmd.On {
			pct = 0
		}
		if err := m.hw.SetDACPercent(d.Dimming.BoardID, d.Dimming.Channel, pct); err != nil {
			m.failures[key]++
			log.Error().Err(err).Str("device", key).Msg("DAC write failed")
			if m.faults != nil && m.failures[key] >= faultThreshold {
				m.faults.HardwareFailure(d.Zone, d.Name, m.failures[key])
			}
			return fmt.Errorf("dac write %s: %w", key, err)
		}
	}

	if m.failures[key] > 0 {
		m.failures[key] = 0
		if m.faults != nil {
			m.faults.HardwareSuccess(d.Zone, d.Name)
		}
	}

	oldState := st.On
	st.On = cmd.On
	if cmd.Intensity != nil {
		st.Intensity = *cmd.Intensity
	}
	st.DutyCycle = cmd.DutyCycle
	st.LastReason = cmd.Reason
	st.RuleID = cmd.RuleID
	st.ScheduleID = cmd.ScheduleID

	if toggling {
		st.LastChanged = now
		st.Seq++
		log.Info().
			Str("device", key).
			Bool("on", cmd.On).
			Str("reason", string(cmd.Reason)).
			Int64("seq", st.Seq).
			Msg("Device state changed")
		if m.sink != nil {
			m.sink.RecordTransition(model.Transition{
				Time:     now,
				Zone:     d.Zone,
				Device:   d.Name,
				Seq:      st.Seq,
				OldState: oldState,
				NewState: cmd.On,
				Reason:   cmd.Reason,
			})
		}
	}

	if err := db.UpsertDeviceState(m.conn, d.Zone, d.Name, *st); err != nil {
		// Hardware already committed; the next successful write wins.
		log.Warn().Err(err).Str("device", key).Msg("Failed to persist device state")
	}
	return nil
}

// canToggle mirrors the min-on/min-off guard: a device that is on must
// stay on for MinOn, one that is off must rest for MinOff.
func (m *Manager) canToggle(d *model.Device, st *model.DeviceState, now time.Time) bool {
	if st.On {
		return now.Sub(st.LastChanged) >= d.MinOn
	}
	return now.Sub(st.LastChanged) >= d.MinOff
}

// ReadState returns a copy of the runtime record for one device.
func (m *Manager) ReadState(key string) (model.DeviceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return model.DeviceState{}, false
	}
	return *st, true
}

// States returns a copy of every device state keyed by device key.
func (m *Manager) States() map[string]model.DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.DeviceState, len(m.states))
	for k, v := range m.states {
		out[k] = *v
	}
	return out
}

// Device returns the static descriptor for one device.
func (m *Manager) Device(key string) (*model.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[key]
	return d, ok
}

// Keys returns device keys in stable control order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.devices))
	for k := range m.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetMode changes the per-device mode. Entering manual freezes the
// current state; it is already persisted, so a restart restores it.
func (m *Manager) SetMode(key string, mode model.DeviceMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[key]
	if !ok {
		return fmt.Errorf("relay: unknown device %s", key)
	}
	st := m.states[key]
	st.Mode = mode
	if mode == model.ModeManual {
		st.LastReason = model.ReasonManual
	}

	if err := db.UpdateDeviceMode(m.conn, d.Zone, d.Name, mode); err != nil {
		return err
	}
	if err := db.UpsertDeviceState(m.conn, d.Zone, d.Name, *st); err != nil {
		log.Warn().Err(err).Str("device", key).Msg("Failed to persist device state")
	}
	log.Info().Str("device", key).Str("mode", string(mode)).Msg("Device mode changed")
	return nil
}
