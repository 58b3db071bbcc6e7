// Package interlock enforces mutual-exclusion pairs after arbitration.
// It only ever forces devices off, so every pass moves toward a fixed
// point.
package interlock

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// Pair is one mutual-exclusion constraint between two devices in the
// same zone, keyed by device key.
type Pair struct {
	A, B string
}

// Pairs derives the deduplicated constraint list from the device
// descriptors. InterlockWith names devices within the same zone.
func Pairs(devices map[string]*model.Device) []Pair {
	seen := map[[2]string]bool{}
	var pairs []Pair
	for key, d := range devices {
		for _, other := range d.InterlockWith {
			otherKey := d.Zone.Location + "/" + d.Zone.Cluster + "/" + other
			if _, ok := devices[otherKey]; !ok {
				log.Warn().Str("device", key).Str("interlock_with", other).Msg("Interlock names unknown device")
				continue
			}
			id := [2]string{key, otherKey}
			if otherKey < key {
				id = [2]string{otherKey, key}
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			pairs = append(pairs, Pair{A: id[0], B: id[1]})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// Result reports what the filter changed.
type Result struct {
	Forced []string // device keys forced off, in apply order
	Cycle  bool
}

// Filter applies the constraint pairs to the candidate commands. When
// both sides of a pair would be on, the losing side is forced off with
// reason interlock. Passes repeat until stable or maxPasses is hit;
// hitting the cap reverts the forced devices to their current state and
// reports a cycle.
func Filter(devices map[string]*model.Device, pairs []Pair, cmds map[string]*model.Command, current map[string]bool, maxPasses int) Result {
	var res Result
	forced := map[string]bool{}

	for pass := 0; ; pass++ {
		if pass >= maxPasses {
			// Stuck; freeze every device the filter touched.
			res.Cycle = true
			for _, key := range res.Forced {
				if cmd, ok := cmds[key]; ok {
					cmd.On = current[key]
					cmd.Reason = model.ReasonInterlock
				}
			}
			return res
		}

		changed := false
		for _, p := range pairs {
			aOn := wantsOn(cmds, current, p.A)
			bOn := wantsOn(cmds, current, p.B)
			if !aOn || !bOn {
				continue
			}
			loser := p.A
			if winner(devices[p.A], devices[p.B]) == p.A {
				loser = p.B
			}
			cmd, ok := cmds[loser]
			if !ok {
				cmd = &model.Command{}
				cmds[loser] = cmd
			}
			cmd.On = false
			cmd.Intensity = nil
			cmd.Reason = model.ReasonInterlock
			if !forced[loser] {
				forced[loser] = true
				res.Forced = append(res.Forced, loser)
			}
			changed = true
		}
		if !changed {
			return res
		}
	}
}

// wantsOn resolves the effective desired state: the candidate command
// if present, else the current state carries forward.
func wantsOn(cmds map[string]*model.Command, current map[string]bool, key string) bool {
	if cmd, ok := cmds[key]; ok {
		return cmd.On
	}
	return current[key]
}

// winner picks which side of a conflicting pair stays on. An explicit
// winner flag takes precedence; otherwise the heater keeps priority in
// heater pairs, and key order breaks the remaining ties.
func winner(a, b *model.Device) string {
	if a.InterlockWinner != b.InterlockWinner {
		if a.InterlockWinner {
			return a.Key()
		}
		return b.Key()
	}
	aHeater := a.Type == model.TypeHeater
	bHeater := b.Type == model.TypeHeater
	if aHeater != bHeater {
		if aHeater {
			return a.Key()
		}
		return b.Key()
	}
	if a.Key() < b.Key() {
		return a.Key()
	}
	return b.Key()
}
