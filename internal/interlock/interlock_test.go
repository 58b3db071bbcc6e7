package interlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

var zone = model.Zone{Location: "Flower", Cluster: "front"}

func device(name string, dt model.DeviceType, with ...string) *model.Device {
	return &model.Device{
		Zone:          zone,
		Name:          name,
		Type:          dt,
		InterlockWith: with,
	}
}

func key(name string) string {
	return zone.Location + "/" + zone.Cluster + "/" + name
}

func TestPairsDedupe(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"):     device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"):  device("exhaust_fan", model.TypeExhaustFan, "heater_1"),
		key("humidifier_1"): device("humidifier_1", model.TypeHumidifier),
	}

	pairs := Pairs(devices)
	require.Len(t, pairs, 1)
	assert.Equal(t, Pair{A: key("exhaust_fan"), B: key("heater_1")}, pairs[0])
}

func TestPairsUnknownDeviceSkipped(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"): device("heater_1", model.TypeHeater, "no_such_fan"),
	}
	assert.Empty(t, Pairs(devices))
}

func TestFilterForcesLoserOff(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"):    device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"): device("exhaust_fan", model.TypeExhaustFan),
	}
	pairs := Pairs(devices)

	cmds := map[string]*model.Command{
		key("heater_1"):    {On: true, Reason: model.ReasonPID},
		key("exhaust_fan"): {On: true, Reason: model.ReasonSchedule},
	}

	res := Filter(devices, pairs, cmds, map[string]bool{}, 8)
	assert.False(t, res.Cycle)
	assert.Equal(t, []string{key("exhaust_fan")}, res.Forced)

	// Heater wins the heater pair; the fan is forced off.
	assert.True(t, cmds[key("heater_1")].On)
	assert.False(t, cmds[key("exhaust_fan")].On)
	assert.Equal(t, model.ReasonInterlock, cmds[key("exhaust_fan")].Reason)
}

func TestFilterWinnerFlagBeatsHeater(t *testing.T) {
	fan := device("exhaust_fan", model.TypeExhaustFan)
	fan.InterlockWinner = true
	devices := map[string]*model.Device{
		key("heater_1"):    device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"): fan,
	}
	pairs := Pairs(devices)

	cmds := map[string]*model.Command{
		key("heater_1"):    {On: true, Reason: model.ReasonPID},
		key("exhaust_fan"): {On: true, Reason: model.ReasonRule},
	}

	res := Filter(devices, pairs, cmds, map[string]bool{}, 8)
	assert.Equal(t, []string{key("heater_1")}, res.Forced)
	assert.True(t, cmds[key("exhaust_fan")].On)
	assert.False(t, cmds[key("heater_1")].On)
}

func TestFilterLexicalTieBreak(t *testing.T) {
	devices := map[string]*model.Device{
		key("fan_a"): device("fan_a", model.TypeFan, "fan_b"),
		key("fan_b"): device("fan_b", model.TypeFan),
	}
	pairs := Pairs(devices)

	cmds := map[string]*model.Command{
		key("fan_a"): {On: true},
		key("fan_b"): {On: true},
	}

	res := Filter(devices, pairs, cmds, map[string]bool{}, 8)
	assert.Equal(t, []string{key("fan_b")}, res.Forced)
	assert.True(t, cmds[key("fan_a")].On)
}

func TestFilterUsesCurrentStateWhenNoCommand(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"):    device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"): device("exhaust_fan", model.TypeExhaustFan),
	}
	pairs := Pairs(devices)

	// The fan has no fresh command but is currently on; turning the
	// heater on must still force it off.
	cmds := map[string]*model.Command{
		key("heater_1"): {On: true, Reason: model.ReasonPID},
	}
	current := map[string]bool{key("exhaust_fan"): true}

	res := Filter(devices, pairs, cmds, current, 8)
	assert.Equal(t, []string{key("exhaust_fan")}, res.Forced)
	require.Contains(t, cmds, key("exhaust_fan"))
	assert.False(t, cmds[key("exhaust_fan")].On)
}

func TestFilterNoConflictNoChange(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"):    device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"): device("exhaust_fan", model.TypeExhaustFan),
	}
	pairs := Pairs(devices)

	cmds := map[string]*model.Command{
		key("heater_1"):    {On: true},
		key("exhaust_fan"): {On: false},
	}

	res := Filter(devices, pairs, cmds, map[string]bool{}, 8)
	assert.Empty(t, res.Forced)
	assert.False(t, res.Cycle)
	assert.True(t, cmds[key("heater_1")].On)
}

func TestFilterCycleCapReverts(t *testing.T) {
	devices := map[string]*model.Device{
		key("heater_1"):    device("heater_1", model.TypeHeater, "exhaust_fan"),
		key("exhaust_fan"): device("exhaust_fan", model.TypeExhaustFan),
	}
	pairs := Pairs(devices)

	cmds := map[string]*model.Command{
		key("heater_1"):    {On: true},
		key("exhaust_fan"): {On: true},
	}
	current := map[string]bool{
		key("heater_1"):    false,
		key("exhaust_fan"): true,
	}

	// maxPasses of zero means the filter gives up immediately.
	res := Filter(devices, pairs, cmds, current, 0)
	assert.True(t, res.Cycle)
	// Nothing was forced before the cap, so commands are untouched.
	assert.True(t, cmds[key("heater_1")].On)
}
