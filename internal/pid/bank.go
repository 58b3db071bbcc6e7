package pid

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// ParamsSource supplies the current tuning for a device type, typically
// the state bus with a DB fallback behind it.
type ParamsSource interface {
	Params(deviceType string) (*model.PIDParams, bool)
}

// Evaluation is the outcome of one bank pass for one device.
type Evaluation struct {
	Output float64
	On     bool
	Duty   float64
	Kind   string // setpoint kind that drove the device
	OK     bool   // false means no loop was eligible; hold state
}

// Bank owns the PID controllers and PWM phase clocks for every
// PID-enabled device. One loop exists per (device, setpoint kind); the
// highest-priority loop with a fresh sensor drives the device while the
// rest hold their integrals.
type Bank struct {
	mu sync.Mutex

	nominal  time.Duration
	minOn    time.Duration
	minOff   time.Duration
	deadband float64

	rateLimit  time.Duration
	lastReload map[string]time.Time       // device type -> last accepted reload
	active     map[string]model.PIDParams // device type -> tuning in use

	controllers map[string]map[string]*Controller // device key -> kind
	pwms        map[string]*PWM
	types       map[string]string // device key -> device type
}

func NewBank(nominal, minOn, minOff, rateLimit time.Duration, deadband float64) *Bank {
	return &Bank{
		nominal:     nominal,
		minOn:       minOn,
		minOff:      minOff,
		deadband:    deadband,
		rateLimit:   rateLimit,
		lastReload:  make(map[string]time.Time),
		active:      make(map[string]model.PIDParams),
		controllers: make(map[string]map[string]*Controller),
		pwms:        make(map[string]*PWM),
		types:       make(map[string]string),
	}
}

// maxDt clamps integration steps to five nominal periods.
func (b *Bank) maxDt() time.Duration {
	return 5 * b.nominal
}

// Reload picks up changed tunings for the given device types, at most
// once per rate-limit window per type. Updates within the window
// coalesce; the newest wins when the window reopens.
func (b *Bank) Reload(deviceTypes []string, src ParamsSource, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, dt := range deviceTypes {
		if last, ok := b.lastReload[dt]; ok && now.Sub(last) < b.rateLimit {
			continue
		}
		p, ok := src.Params(dt)
		if !ok {
			continue
		}
		cur, had := b.active[dt]
		if had && cur.Kp == p.Kp && cur.Ki == p.Ki && cur.Kd == p.Kd {
			continue
		}
		b.active[dt] = *p
		b.lastReload[dt] = now
		for key, kinds := range b.controllers {
			if b.types[key] != dt {
				continue
			}
			for _, c := range kinds {
				c.SetTunings(p.Kp, p.Ki, p.Kd)
			}
		}
		log.Info().
			Str("device_type", dt).
			Float64("kp", p.Kp).
			Float64("ki", p.Ki).
			Float64("kd", p.Kd).
			Str("source", p.Source).
			Msg("PID parameters reloaded")
	}
}

// Evaluate runs the bank for one device and maps the chosen output
// through its PWM. read resolves a setpoint kind to its reading;
// setpointFor resolves the kind's target.
func (b *Bank) Evaluate(d *model.Device, sp model.Setpoints, read func(kind string) (model.Reading, bool), now time.Time) Evaluation {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := d.Key()
	b.types[key] = string(d.Type)

	kinds := b.kindsByPriority(d)
	if len(kinds) == 0 {
		return Evaluation{}
	}

	if b.controllers[key] == nil {
		b.controllers[key] = make(map[string]*Controller)
	}
	params := b.active[string(d.Type)]

	var (
		driver  *Controller
		driving string
	)
	for _, kind := range kinds {
		c, ok := b.controllers[key][kind]
		if !ok {
			c = NewController(params.Kp, params.Ki, params.Kd, b.maxDt())
			b.controllers[key][kind] = c
		}
		if driver != nil {
			continue // lower priority, integral stays frozen
		}
		target, configured := sp.Kind(kind)
		if !configured {
			continue
		}
		reading, fresh := read(kind)
		if !fresh {
			continue
		}
		e := loopError(kind, target, reading.Value)
		if absFloat(e) <= b.deadband {
			continue
		}
		c.Update(e, now)
		driver = c
		driving = kind
	}

	pwm, ok := b.pwms[key]
	if !ok {
		pwm = NewPWM(d.PWMPeriod, b.minOn, b.minOff)
		b.pwms[key] = pwm
	}

	if driver == nil {
		// Sensor stale or no eligible loop: freeze at the last output.
		var last float64
		for _, kind := range kinds {
			if c, ok := b.controllers[key][kind]; ok && c.Hold() > last {
				last = c.Hold()
			}
		}
		on, duty := pwm.State(last, now)
		return Evaluation{Output: last, On: on, Duty: duty, OK: false}
	}

	u := driver.Hold()
	on, duty := pwm.State(u, now)
	return Evaluation{Output: u, On: on, Duty: duty, Kind: driving, OK: true}
}

// kindsByPriority returns the configured setpoint kinds, lowest priority
// number first, name as tiebreak.
func (b *Bank) kindsByPriority(d *model.Device) []string {
	kinds := make([]string, 0, len(d.PIDSetpoints))
	for k := range d.PIDSetpoints {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		pi, pj := d.PIDSetpoints[kinds[i]], d.PIDSetpoints[kinds[j]]
		if pi != pj {
			return pi < pj
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}

// loopError applies the per-kind sign convention: heating and co2 act
// when the measurement is below target, cooling acts when above.
func loopError(kind string, target, value float64) float64 {
	if kind == model.KindCooling {
		return value - target
	}
	return target - value
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
