// Package startup boots the controller in dependency order and reports
// failures with a distinct exit class per prerequisite, so supervisors
// can tell a bad config from a dead bus.
package startup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/alarm"
	"github.com/Phoenix5595/grow-controller/internal/api"
	"github.com/Phoenix5595/grow-controller/internal/climate"
	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/engine"
	"github.com/Phoenix5595/grow-controller/internal/hardware"
	"github.com/Phoenix5595/grow-controller/internal/history"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/pid"
	"github.com/Phoenix5595/grow-controller/internal/relay"
	"github.com/Phoenix5595/grow-controller/internal/sensors"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

// Exit classes for startup failures.
const (
	ExitConfig   = 2
	ExitDB       = 3
	ExitBus      = 4
	ExitHardware = 5
)

// System holds every wired component of a running controller.
type System struct {
	Cfg    *config.Config
	Conn   *sql.DB
	Bus    statebus.Bus
	HW     hardware.Adapter
	Relays *relay.Manager
	Alarms *alarm.Manager
	Hist   *history.Writer
	Cache  *sensors.Cache
	Bank   *pid.Bank
	Engine *engine.Engine
	API    *api.Service
}

// Boot brings the controller up: database, state bus, hardware, then
// device restore. On failure it returns the exit class of the
// prerequisite that failed.
func Boot(cfg *config.Config) (*System, int, error) {
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, ExitDB, fmt.Errorf("database: %w", err)
	}
	if err := db.Seed(conn, cfg); err != nil {
		conn.Close()
		return nil, ExitDB, fmt.Errorf("database seed: %w", err)
	}

	bus, err := statebus.NewRedisBus(cfg.StateBus)
	if err != nil {
		conn.Close()
		return nil, ExitBus, fmt.Errorf("state bus: %w", err)
	}

	hw, err := openHardware(cfg)
	if err != nil {
		bus.Close()
		conn.Close()
		return nil, ExitHardware, fmt.Errorf("hardware: %w", err)
	}

	sys, err := Wire(cfg, conn, bus, hw)
	if err != nil {
		hw.Close()
		bus.Close()
		conn.Close()
		return nil, ExitHardware, err
	}
	return sys, 0, nil
}

func openHardware(cfg *config.Config) (hardware.Adapter, error) {
	if cfg.Hardware.Simulation {
		var relayBoards, dacBoards []string
		for _, b := range cfg.Boards() {
			if b.Type == "dac" {
				dacBoards = append(dacBoards, b.ID)
			} else {
				relayBoards = append(relayBoards, b.ID)
			}
		}
		log.Info().Msg("Using simulated hardware adapter")
		return hardware.NewSim(relayBoards, dacBoards), nil
	}
	return hardware.OpenI2C(cfg.Hardware)
}

// Wire assembles the components over already-opened dependencies and
// restores the persisted device states. Split from Boot so tests can
// supply miniredis, :memory: sqlite, and the sim adapter.
func Wire(cfg *config.Config, conn *sql.DB, bus statebus.Bus, hw hardware.Adapter) (*System, error) {
	devices, err := db.GetAllDevices(conn)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}

	alarms := alarm.NewManager(bus, conn, cfg.Control.MissingAlarmPeriod(), cfg.Control.FailsafeClearHold())
	hist := history.NewWriter(conn, cfg.Control.HistoryBufferSize, alarms)
	recorder := &engine.TransitionRecorder{Hist: hist, Bus: bus}

	relays := relay.NewManager(hw, conn, devices, recorder, alarms)
	if err := relays.Restore(cfg.Control.SafeStart); err != nil {
		hist.Close()
		return nil, fmt.Errorf("restore device states: %w", err)
	}

	for _, z := range cfg.Zones {
		zone := model.Zone{Location: z.Location, Cluster: z.Cluster}
		sensorNames := make([]string, 0, len(z.Sensors))
		for _, name := range z.Sensors {
			sensorNames = append(sensorNames, name)
		}
		alarms.RegisterZone(zone, sensorNames)

		setpoints, err := db.GetSetpoints(conn, zone)
		if err == nil {
			climate.CheckRampWarnings(zone, setpoints)
		}
	}

	cache := sensors.NewCache(bus, conn,
		cfg.Control.FreshnessWindow(),
		cfg.Control.LastGoodHold(),
		cfg.Control.MaxDBLookback(),
		time.Duration(cfg.Control.SensorDeadlineMillis)*time.Millisecond)

	bank := pid.NewBank(
		cfg.Control.UpdateInterval(),
		cfg.Control.PWMMinOn(),
		cfg.Control.PWMMinOff(),
		time.Duration(cfg.Control.PIDRateLimitSeconds)*time.Second,
		0)

	eng := engine.New(cfg, conn, bus, cache, relays, bank, alarms, hist)
	svc := api.NewService(cfg, conn, bus, relays, alarms)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bus.Heartbeat(ctx, "automation"); err != nil {
		log.Warn().Err(err).Msg("Initial heartbeat failed")
	}

	log.Info().
		Int("devices", len(devices)).
		Int("zones", len(cfg.Zones)).
		Bool("simulation", cfg.Hardware.Simulation).
		Msg("Controller started")

	return &System{
		Cfg:    cfg,
		Conn:   conn,
		Bus:    bus,
		HW:     hw,
		Relays: relays,
		Alarms: alarms,
		Hist:   hist,
		Cache:  cache,
		Bank:   bank,
		Engine: eng,
		API:    svc,
	}, nil
}
