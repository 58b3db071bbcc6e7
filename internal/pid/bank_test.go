package pid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

type staticParams map[string]model.PIDParams

func (s staticParams) Params(deviceType string) (*model.PIDParams, bool) {
	p, ok := s[deviceType]
	if !ok {
		return nil, false
	}
	return &p, true
}

func fp(v float64) *float64 { return &v }

func testBank() *Bank {
	return NewBank(time.Second, 0, 0, 5*time.Second, 0)
}

func heater() *model.Device {
	return &model.Device{
		Zone:         model.Zone{Location: "Flower", Cluster: "front"},
		Name:         "heater_1",
		Type:         model.TypeHeater,
		PIDEnabled:   true,
		PIDSetpoints: map[string]int{model.KindHeating: 0},
		PWMPeriod:    100 * time.Second,
	}
}

func TestBankEvaluateHeater(t *testing.T) {
	b := testBank()
	b.Reload([]string{"heater"}, staticParams{"heater": {Kp: 25}}, t0)

	d := heater()
	sp := model.Setpoints{Heating: fp(25)}
	read := func(kind string) (model.Reading, bool) {
		return model.Reading{Value: 22, Source: model.SourceLive}, true
	}

	eval := b.Evaluate(d, sp, read, t0)
	require.True(t, eval.OK)
	assert.Equal(t, model.KindHeating, eval.Kind)
	assert.InDelta(t, 75, eval.Output, 0.001)
	assert.True(t, eval.On)
	assert.InDelta(t, 75, eval.Duty, 0.001)
}

func TestBankFreezesOnStaleSensor(t *testing.T) {
	b := testBank()
	b.Reload([]string{"heater"}, staticParams{"heater": {Kp: 25}}, t0)

	d := heater()
	sp := model.Setpoints{Heating: fp(25)}
	fresh := func(string) (model.Reading, bool) {
		return model.Reading{Value: 22, Source: model.SourceLive}, true
	}
	stale := func(string) (model.Reading, bool) {
		return model.Reading{}, false
	}

	eval := b.Evaluate(d, sp, fresh, t0)
	require.True(t, eval.OK)
	held := eval.Output

	eval = b.Evaluate(d, sp, stale, t0.Add(time.Second))
	assert.False(t, eval.OK)
	assert.Equal(t, held, eval.Output)
}

func TestBankMultiSetpointPriority(t *testing.T) {
	b := testBank()
	b.Reload([]string{"exhaust_fan"}, staticParams{"exhaust_fan": {Kp: 10}}, t0)

	fan := &model.Device{
		Zone:       model.Zone{Location: "Flower", Cluster: "front"},
		Name:       "exhaust_1",
		Type:       model.TypeExhaustFan,
		PIDEnabled: true,
		PIDSetpoints: map[string]int{
			model.KindCooling: 0,
			model.KindVPD:     1,
		},
		PWMPeriod: 100 * time.Second,
	}
	sp := model.Setpoints{Cooling: fp(28), VPD: fp(1.2)}

	// Cooling error present: the priority-0 loop drives.
	hot := func(kind string) (model.Reading, bool) {
		if kind == model.KindCooling {
			return model.Reading{Value: 30, Source: model.SourceLive}, true
		}
		return model.Reading{Value: 2.0, Source: model.SourceLive}, true
	}
	eval := b.Evaluate(fan, sp, hot, t0)
	require.True(t, eval.OK)
	assert.Equal(t, model.KindCooling, eval.Kind)
	// Cooling sign convention: above target drives output up.
	assert.InDelta(t, 20, eval.Output, 0.001)

	// Cooling satisfied: the vpd loop takes over.
	cool := func(kind string) (model.Reading, bool) {
		if kind == model.KindCooling {
			return model.Reading{Value: 28, Source: model.SourceLive}, true
		}
		return model.Reading{Value: 2.0, Source: model.SourceLive}, true
	}
	eval = b.Evaluate(fan, sp, cool, t0.Add(time.Second))
	require.True(t, eval.OK)
	assert.Equal(t, model.KindVPD, eval.Kind)
}

func TestBankReloadRateLimit(t *testing.T) {
	b := testBank()
	src := staticParams{"heater": {Kp: 25}}
	b.Reload([]string{"heater"}, src, t0)
	assert.Equal(t, 25.0, b.active["heater"].Kp)

	// A change inside the window is ignored.
	src["heater"] = model.PIDParams{Kp: 40}
	b.Reload([]string{"heater"}, src, t0.Add(2*time.Second))
	assert.Equal(t, 25.0, b.active["heater"].Kp)

	// Once the window reopens the newest value wins.
	b.Reload([]string{"heater"}, src, t0.Add(6*time.Second))
	assert.Equal(t, 40.0, b.active["heater"].Kp)
}

func TestBankReloadRetunesLiveControllers(t *testing.T) {
	b := testBank()
	src := staticParams{"heater": {Kp: 25, Ki: 0.5}}
	b.Reload([]string{"heater"}, src, t0)

	d := heater()
	sp := model.Setpoints{Heating: fp(25)}
	read := func(string) (model.Reading, bool) {
		return model.Reading{Value: 24, Source: model.SourceLive}, true
	}
	b.Evaluate(d, sp, read, t0)
	b.Evaluate(d, sp, read, t0.Add(time.Second))
	integralBefore := b.controllers[d.Key()][model.KindHeating].integral
	require.NotZero(t, integralBefore)

	src["heater"] = model.PIDParams{Kp: 40, Ki: 0.5}
	b.Reload([]string{"heater"}, src, t0.Add(6*time.Second))

	c := b.controllers[d.Key()][model.KindHeating]
	kp, _, _ := c.Tunings()
	assert.Equal(t, 40.0, kp)
	assert.Equal(t, integralBefore, c.integral)
}
