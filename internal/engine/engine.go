// Package engine runs the control loop: one tick per interval, one
// command per device per tick. All decisions are pure functions of the
// snapshot gathered at tick start; the relay manager is the only way a
// decision reaches hardware.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/alarm"
	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/datadog"
	"github.com/Phoenix5595/grow-controller/internal/history"
	"github.com/Phoenix5595/grow-controller/internal/interlock"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/photoperiod"
	"github.com/Phoenix5595/grow-controller/internal/pid"
	"github.com/Phoenix5595/grow-controller/internal/relay"
	"github.com/Phoenix5595/grow-controller/internal/schedule"
	"github.com/Phoenix5595/grow-controller/internal/sensors"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

// Engine drives the per-tick arbitration for every zone.
type Engine struct {
	cfg    *config.Config
	conn   *sql.DB
	bus    statebus.Bus
	cache  *sensors.Cache
	relays *relay.Manager
	bank   *pid.Bank
	alarms *alarm.Manager
	hist   *history.Writer

	params pid.ParamsSource

	// quantity -> sensor name, per zone, from config.
	zoneSensors map[model.Zone]map[string]string

	pairs []interlock.Pair

	// normalized photoperiod programs, re-derived only when the row
	// changes so the reshape warning fires once.
	programs map[model.Zone]cachedProgram

	last *tickData
}

type cachedProgram struct {
	raw  model.Photoperiod
	prog photoperiod.Program
}

// tickData is the immutable snapshot one tick operates on.
type tickData struct {
	schedules *schedule.Set
	rules     []model.Rule
	periods   map[model.Zone]photoperiod.Program
	setpoints map[model.Zone]map[model.Phase]model.Setpoints
	zoneModes map[model.Zone]model.ZoneMode
}

func New(cfg *config.Config, conn *sql.DB, bus statebus.Bus, cache *sensors.Cache,
	relays *relay.Manager, bank *pid.Bank, alarms *alarm.Manager, hist *history.Writer) *Engine {

	zoneSensors := make(map[model.Zone]map[string]string)
	for _, z := range cfg.Zones {
		zone := model.Zone{Location: z.Location, Cluster: z.Cluster}
		zoneSensors[zone] = z.Sensors
	}

	devices := map[string]*model.Device{}
	for _, key := range relays.Keys() {
		if d, ok := relays.Device(key); ok {
			devices[key] = d
		}
	}

	return &Engine{
		cfg:         cfg,
		conn:        conn,
		bus:         bus,
		cache:       cache,
		relays:      relays,
		bank:        bank,
		alarms:      alarms,
		hist:        hist,
		params:      &paramsSource{bus: bus, conn: conn},
		zoneSensors: zoneSensors,
		pairs:       interlock.Pairs(devices),
		programs:    make(map[model.Zone]cachedProgram),
	}
}

// Run drives ticks until the context is canceled. The in-flight tick
// always completes; a tick that overruns its period skips the next one.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Control.UpdateInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Control loop started")

	skipNext := false
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			if skipNext {
				skipNext = false
				continue
			}
			start := time.Now()
			e.Tick(start)
			elapsed := time.Since(start)
			datadog.Gauge("control.tick.duration_ms", float64(elapsed.Milliseconds()))
			if elapsed > interval {
				log.Warn().Dur("elapsed", elapsed).Dur("interval", interval).Msg("Tick overran its period, skipping next tick")
				skipNext = true
			}
		}
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.bus.AppendEvent(ctx, map[string]interface{}{
		"kind": "shutdown",
		"ts":   time.Now().UnixMilli(),
	}); err != nil {
		log.Debug().Err(err).Msg("Failed to emit shutdown marker")
	}
	log.Info().Msg("Control loop stopped")
}

// Tick executes one full control cycle at wall time now. Exported so
// tests can drive the loop deterministically.
func (e *Engine) Tick(now time.Time) {
	data := e.loadData(now)
	if data == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Control.UpdateInterval())
	defer cancel()

	reads := newReadSet(e, ctx, now)

	// Every registered sensor is probed every tick. Failsafe and manual
	// modes skip the arbitration reads, and leaving failsafe requires
	// the alarm manager to see the sensors come back.
	for zone, byQuantity := range e.zoneSensors {
		for _, sensor := range byQuantity {
			reads.read(zone, sensor)
		}
	}

	cmds := make(map[string]*model.Command)
	current := map[string]bool{}
	states := e.relays.States()
	for key, st := range states {
		current[key] = st.On
	}

	cycleZones := map[model.Zone]bool{}
	for _, key := range e.relays.Keys() {
		d, ok := e.relays.Device(key)
		if !ok {
			continue
		}
		cmd := e.arbitrate(d, states[key], data, reads, now)
		if cmd != nil {
			cmds[key] = cmd
		}
	}

	res := interlock.Filter(e.deviceMap(), e.pairs, cmds, current, e.cfg.Control.InterlockMaxPasses)
	if res.Cycle {
		for _, key := range res.Forced {
			if d, ok := e.relays.Device(key); ok {
				cycleZones[d.Zone] = true
			}
		}
		for zone := range cycleZones {
			e.alarms.InterlockCycle(zone)
		}
	}

	keys := make([]string, 0, len(cmds))
	for key := range cmds {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		err := e.relays.Apply(key, *cmds[key])
		if err != nil && !errors.Is(err, relay.ErrMinHoldTime) {
			log.Error().Err(err).Str("device", key).Msg("Command apply failed")
		}
	}

	e.emitTelemetry(now, cmds)
	reads.observe()
	e.alarms.EndTick(now)
	for zone := range e.zoneSensors {
		if !cycleZones[zone] {
			e.alarms.CleanTick(zone)
		}
	}

	hctx, hcancel := context.WithTimeout(context.Background(), time.Second)
	defer hcancel()
	if err := e.bus.Heartbeat(hctx, "automation"); err != nil {
		log.Debug().Err(err).Msg("Heartbeat failed")
	}
}

func (e *Engine) deviceMap() map[string]*model.Device {
	devices := map[string]*model.Device{}
	for _, key := range e.relays.Keys() {
		if d, ok := e.relays.Device(key); ok {
			devices[key] = d
		}
	}
	return devices
}

// loadData gathers the DB-backed snapshot for one tick. On failure the
// previous snapshot carries over so a DB outage degrades rather than
// stops control.
func (e *Engine) loadData(now time.Time) *tickData {
	data, err := e.fetchData(now)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot load failed, reusing previous tick data")
		return e.last
	}
	e.last = data

	types := map[string]bool{}
	for _, key := range e.relays.Keys() {
		if d, ok := e.relays.Device(key); ok && d.PIDEnabled {
			types[string(d.Type)] = true
		}
	}
	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}
	sort.Strings(typeList)
	e.bank.Reload(typeList, e.params, now)

	return data
}

func (e *Engine) fetchData(now time.Time) (*tickData, error) {
	scheduleRows, err := db.GetAllSchedules(e.conn)
	if err != nil {
		return nil, err
	}
	ruleRows, err := db.GetAllRules(e.conn)
	if err != nil {
		return nil, err
	}
	periodRows, err := db.GetAllPhotoperiods(e.conn)
	if err != nil {
		return nil, err
	}

	periods := make(map[model.Zone]photoperiod.Program, len(periodRows))
	for _, pp := range periodRows {
		cached, ok := e.programs[pp.Zone]
		if !ok || cached.raw != pp {
			cached = cachedProgram{raw: pp, prog: photoperiod.Normalize(pp)}
			e.programs[pp.Zone] = cached
		}
		periods[pp.Zone] = cached.prog
	}

	setpoints := make(map[model.Zone]map[model.Phase]model.Setpoints)
	zoneModes := make(map[model.Zone]model.ZoneMode)
	for zone := range e.zoneSensors {
		rows, err := db.GetSetpoints(e.conn, zone)
		if err != nil {
			return nil, err
		}
		setpoints[zone] = materializePhases(rows)
		mode, err := db.GetZoneMode(e.conn, zone)
		if err != nil {
			mode = model.ZoneAuto
		}
		zoneModes[zone] = mode
	}

	return &tickData{
		schedules: schedule.NewSet(scheduleRows),
		rules:     ruleRows,
		periods:   periods,
		setpoints: setpoints,
		zoneModes: zoneModes,
	}, nil
}

// materializePhases fills every phase from its specific row, falling
// back to the phase-independent default stored under the empty key.
func materializePhases(rows map[model.Phase]model.Setpoints) map[model.Phase]model.Setpoints {
	out := make(map[model.Phase]model.Setpoints, 4)
	def, hasDefault := rows[model.Phase("")]
	for _, phase := range []model.Phase{model.PhasePreDay, model.PhaseDay, model.PhasePreNight, model.PhaseNight} {
		if sp, ok := rows[phase]; ok {
			out[phase] = sp
		} else if hasDefault {
			out[phase] = def
		}
	}
	return out
}

// emitTelemetry writes one automation_state row per device plus the
// statsd gauges. Best effort on both paths.
func (e *Engine) emitTelemetry(now time.Time, cmds map[string]*model.Command) {
	for key, st := range e.relays.States() {
		d, ok := e.relays.Device(key)
		if !ok {
			continue
		}
		var pidOutput float64
		if cmd, ok := cmds[key]; ok {
			pidOutput = cmd.PIDOutput
		}
		if e.hist != nil {
			e.hist.RecordSnapshot(model.Snapshot{
				Time:       now,
				Zone:       d.Zone,
				Device:     d.Name,
				On:         st.On,
				Mode:       st.Mode,
				DutyCycle:  st.DutyCycle,
				PIDOutput:  pidOutput,
				Intensity:  st.Intensity,
				RuleID:     st.RuleID,
				ScheduleID: st.ScheduleID,
				Reason:     st.LastReason,
			})
		}
		tags := []string{"zone:" + d.Zone.String(), "device:" + d.Name}
		state := 0.0
		if st.On {
			state = 1.0
		}
		datadog.Gauge("control.device.state", state, tags...)
		datadog.Gauge("control.device.duty_cycle", st.DutyCycle, tags...)
		datadog.Gauge("control.device.pid_output", pidOutput, tags...)
	}
}
