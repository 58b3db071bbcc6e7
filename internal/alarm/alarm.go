// Package alarm tracks fault conditions and owns the zone failsafe
// state machine. Nothing else in the service moves a zone into or out
// of failsafe.
package alarm

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/notifications"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

const (
	missingCriticalAfter = 5 * time.Minute
	zoneLossAfter        = 2 * time.Minute
)

type alarmKey struct {
	zone model.Zone
	name string
}

type zoneState struct {
	sensorLoss bool
	hwFaults   map[string]bool // device name
	failsafe   bool
	reason     string
	clearSince time.Time
}

// Manager is the alarm registry plus the per-zone failsafe machine.
// ObserveSensor and EndTick are called by the control loop; the
// hardware and persistence layers report through the small interfaces
// they hold.
type Manager struct {
	mu sync.Mutex

	bus  statebus.Bus
	conn *sql.DB

	missingAlarm time.Duration
	clearHold    time.Duration

	alarms       map[alarmKey]*model.Alarm
	missingSince map[alarmKey]time.Time
	zones        map[model.Zone]*zoneState
	rosters      map[model.Zone][]string
}

func NewManager(bus statebus.Bus, conn *sql.DB, missingAlarm, clearHold time.Duration) *Manager {
	return &Manager{
		bus:          bus,
		conn:         conn,
		missingAlarm: missingAlarm,
		clearHold:    clearHold,
		alarms:       make(map[alarmKey]*model.Alarm),
		missingSince: make(map[alarmKey]time.Time),
		zones:        make(map[model.Zone]*zoneState),
		rosters:      make(map[model.Zone][]string),
	}
}

// RegisterZone declares the sensors belonging to a zone. The whole-zone
// loss condition is judged against this roster.
func (m *Manager) RegisterZone(zone model.Zone, sensors []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosters[zone] = append([]string(nil), sensors...)
	m.zone(zone)
}

func (m *Manager) zone(z model.Zone) *zoneState {
	zs, ok := m.zones[z]
	if !ok {
		zs = &zoneState{hwFaults: make(map[string]bool)}
		m.zones[z] = zs
	}
	return zs
}

// ObserveSensor records one sensor read attempt for the tick. ok means
// the reading was usable (live or last-good within hold).
func (m *Manager) ObserveSensor(zone model.Zone, sensor string, ok bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alarmKey{zone: zone, name: sensor}
	if ok {
		delete(m.missingSince, key)
		m.clearLocked(zone, model.AlarmSensorMissing+":"+sensor)
		zs := m.zone(zone)
		if zs.sensorLoss {
			zs.sensorLoss = false
			m.clearLocked(zone, model.AlarmSensorLoss)
		}
		return
	}
	if _, tracked := m.missingSince[key]; !tracked {
		m.missingSince[key] = now
	}
}

// EndTick evaluates the time-based alarm conditions and advances the
// failsafe machines. Call once per tick after all sensors were
// observed.
func (m *Manager) EndTick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sustained per-sensor missing.
	for key, since := range m.missingSince {
		age := now.Sub(since)
		if age < m.missingAlarm {
			continue
		}
		severity := model.SeverityWarning
		if age >= missingCriticalAfter {
			severity = model.SeverityCritical
		}
		m.raiseLocked(key.zone, model.AlarmSensorMissing+":"+key.name, severity,
			fmt.Sprintf("sensor %s missing for %s", key.name, age.Round(time.Second)), now)
	}

	// Whole-zone loss: every registered sensor missing past the loss
	// window.
	for zone, roster := range m.rosters {
		if len(roster) == 0 {
			continue
		}
		lost := true
		for _, sensor := range roster {
			since, missing := m.missingSince[alarmKey{zone: zone, name: sensor}]
			if !missing || now.Sub(since) < zoneLossAfter {
				lost = false
				break
			}
		}
		zs := m.zone(zone)
		if lost && !zs.sensorLoss {
			zs.sensorLoss = true
			m.raiseLocked(zone, model.AlarmSensorLoss, model.SeverityCritical,
				"all sensors for zone missing", now)
		}
	}

	for zone := range m.zones {
		m.advanceFailsafeLocked(zone, now)
	}
}

// HardwareFailure implements relay.FaultReporter.
func (m *Manager) HardwareFailure(zone model.Zone, device string, consecutive int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	zs := m.zone(zone)
	zs.hwFaults[device] = true
	m.raiseLocked(zone, model.AlarmHardwareFault+":"+device, model.SeverityCritical,
		fmt.Sprintf("device %s failed %d consecutive hardware writes", device, consecutive), now)
	m.advanceFailsafeLocked(zone, now)
}

// HardwareSuccess implements relay.FaultReporter. One successful apply
// clears the fault for that device.
func (m *Manager) HardwareSuccess(zone model.Zone, device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zone(zone)
	if zs.hwFaults[device] {
		delete(zs.hwFaults, device)
		m.clearLocked(zone, model.AlarmHardwareFault+":"+device)
	}
}

// BufferWatermark reports the transition buffer fill fraction. Above
// 0.8 raises db_loss; DBWriteOK clears it.
func (m *Manager) BufferWatermark(frac float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frac > 0.8 {
		m.raiseLocked(model.Zone{}, model.AlarmDBLoss, model.SeverityWarning,
			fmt.Sprintf("transition buffer %.0f%% full", frac*100), time.Now())
	}
}

// DBWriteOK clears the db_loss alarm after a successful write.
func (m *Manager) DBWriteOK() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(model.Zone{}, model.AlarmDBLoss)
}

// InterlockCycle raises the cycle warning for a zone.
func (m *Manager) InterlockCycle(zone model.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseLocked(zone, model.AlarmInterlockCycle, model.SeverityWarning,
		"interlock filter did not converge", time.Now())
}

// CleanTick clears the interlock cycle warning after a tick with no
// cycle detected.
func (m *Manager) CleanTick(zone model.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(zone, model.AlarmInterlockCycle)
}

// SetpointRejected records a validation rejection. Informational; never
// clears on its own and never drives failsafe.
func (m *Manager) SetpointRejected(zone model.Zone, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseLocked(zone, model.AlarmSetpointOutOfRange, model.SeverityWarning, message, time.Now())
}

// InFailsafe reports whether the zone is currently forced to safe
// states.
func (m *Manager) InFailsafe(zone model.Zone) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, ok := m.zones[zone]
	return ok && zs.failsafe
}

// FailsafeReason returns the alarm class that put the zone into
// failsafe.
func (m *Manager) FailsafeReason(zone model.Zone) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if zs, ok := m.zones[zone]; ok {
		return zs.reason
	}
	return ""
}

// ClearFailsafe is the manual escape hatch. It is accepted only when
// the originating condition is no longer present.
func (m *Manager) ClearFailsafe(zone model.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zone(zone)
	if !zs.failsafe {
		return nil
	}
	if zs.sensorLoss || len(zs.hwFaults) > 0 {
		return fmt.Errorf("failsafe condition still active for %s: %s", zone, zs.reason)
	}
	m.exitFailsafeLocked(zone, zs, "manual clear")
	return nil
}

// Active returns the unacknowledged alarms sorted by zone and name.
func (m *Manager) Active() []model.Alarm {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone.String() < out[j].Zone.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Ack marks an alarm acknowledged. The alarm stays visible until its
// condition clears.
func (m *Manager) Ack(zone model.Zone, name string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alarms[alarmKey{zone: zone, name: name}]
	if !ok {
		return fmt.Errorf("no active alarm %s for %s", name, zone)
	}
	a.Acknowledged = &now
	return nil
}

// advanceFailsafeLocked runs the per-zone machine: enter on an active
// critical condition, exit after the condition stays clear for the
// configured hold.
func (m *Manager) advanceFailsafeLocked(zone model.Zone, now time.Time) {
	zs := m.zone(zone)
	condition := zs.sensorLoss || len(zs.hwFaults) > 0

	if condition {
		zs.clearSince = time.Time{}
		if !zs.failsafe {
			zs.failsafe = true
			zs.reason = m.conditionName(zs)
			m.publishFailsafeLocked(zone, true, zs.reason)
			log.Error().Str("zone", zone.String()).Str("reason", zs.reason).Msg("Zone entering failsafe")
		}
		return
	}

	if !zs.failsafe {
		return
	}
	if zs.clearSince.IsZero() {
		zs.clearSince = now
		return
	}
	if now.Sub(zs.clearSince) >= m.clearHold {
		m.exitFailsafeLocked(zone, zs, "condition cleared")
	}
}

func (m *Manager) conditionName(zs *zoneState) string {
	if zs.sensorLoss {
		return model.AlarmSensorLoss
	}
	if len(zs.hwFaults) > 0 {
		return model.AlarmHardwareFault
	}
	return ""
}

func (m *Manager) exitFailsafeLocked(zone model.Zone, zs *zoneState, why string) {
	zs.failsafe = false
	zs.reason = ""
	zs.clearSince = time.Time{}
	m.publishFailsafeLocked(zone, false, why)
	log.Info().Str("zone", zone.String()).Str("why", why).Msg("Zone leaving failsafe")
}

// publishFailsafeLocked pushes the new mode to the bus and the DB, best
// effort on both. Control decisions do not depend on either write.
func (m *Manager) publishFailsafeLocked(zone model.Zone, active bool, reason string) {
	mode := model.ZoneAuto
	if active {
		mode = model.ZoneFailsafe
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.bus.SetFailsafe(ctx, zone, active, reason); err != nil {
		log.Warn().Err(err).Str("zone", zone.String()).Msg("Failed to publish failsafe state")
	}
	if err := m.bus.SetZoneMode(ctx, zone, mode, "alarm"); err != nil {
		log.Warn().Err(err).Str("zone", zone.String()).Msg("Failed to publish zone mode")
	}
	if m.conn != nil {
		if err := db.UpdateZoneMode(m.conn, zone, mode, "alarm"); err != nil {
			log.Warn().Err(err).Str("zone", zone.String()).Msg("Failed to persist zone mode")
		}
	}
}

func (m *Manager) raiseLocked(zone model.Zone, name string, severity model.Severity, message string, now time.Time) {
	key := alarmKey{zone: zone, name: name}
	if existing, ok := m.alarms[key]; ok {
		// Escalation updates severity in place without resetting raised_ts.
		if existing.Severity != severity {
			existing.Severity = severity
			existing.Message = message
		}
		return
	}
	a := &model.Alarm{
		Zone:     zone,
		Name:     name,
		Severity: severity,
		Message:  message,
		RaisedAt: now,
	}
	m.alarms[key] = a
	notifications.NotifyAlarm(*a)
	log.Warn().
		Str("zone", zone.String()).
		Str("alarm", name).
		Str("severity", string(severity)).
		Str("message", message).
		Msg("Alarm raised")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.bus.AppendEvent(ctx, map[string]interface{}{
		"kind":     "alarm",
		"zone":     zone.String(),
		"alarm":    name,
		"severity": string(severity),
		"message":  message,
	}); err != nil {
		log.Debug().Err(err).Msg("Failed to append alarm event")
	}
}

func (m *Manager) clearLocked(zone model.Zone, name string) {
	key := alarmKey{zone: zone, name: name}
	if _, ok := m.alarms[key]; !ok {
		return
	}
	delete(m.alarms, key)
	log.Info().Str("zone", zone.String()).Str("alarm", name).Msg("Alarm cleared")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.bus.AppendEvent(ctx, map[string]interface{}{
		"kind":  "alarm_cleared",
		"zone":  zone.String(),
		"alarm": name,
	}); err != nil {
		log.Debug().Err(err).Msg("Failed to append alarm event")
	}
}
