// Package shutdown tears a running controller down without leaving a
// relay in an undefined state.
package shutdown

import (
	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/system/startup"
)

// Shutdown drives every device to its safe state, drains the history
// buffer, and closes the external handles. Call after the control loop
// has returned.
func Shutdown(sys *startup.System) {
	for _, key := range sys.Relays.Keys() {
		d, ok := sys.Relays.Device(key)
		if !ok || d.SafeState == model.SafeLastKnown {
			continue
		}
		cmd := model.Command{On: d.SafeState == model.SafeOn, Reason: model.ReasonFailsafe}
		if d.Dimmable() && !cmd.On {
			off := 0.0
			cmd.Intensity = &off
		}
		if err := sys.Relays.Apply(key, cmd); err != nil {
			log.Error().Err(err).Str("device", key).Msg("Failed to apply safe state on shutdown")
		}
	}

	sys.Hist.Close()
	if err := sys.HW.Close(); err != nil {
		log.Warn().Err(err).Msg("Hardware close failed")
	}
	if err := sys.Bus.Close(); err != nil {
		log.Warn().Err(err).Msg("State bus close failed")
	}
	if err := sys.Conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	log.Info().Msg("Controller stopped")
}
