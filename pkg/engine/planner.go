package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/picopip/picopip/pkg/dist"
)

// Planner computes the delta between two distribution snapshots. The
// before snapshot is the target's state mirrored into the workspace;
// the after snapshot is the workspace once the installer has run.
// Anything the installer changed is exactly what must change on the
// target.
type Planner struct{}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// ComputeDiff builds an ordered plan transforming before into after.
// Identical snapshots produce an empty plan. Removes are ordered
// first, then upgrades, then installs, each group sorted by name so
// plans are deterministic.
func (p *Planner) ComputeDiff(before, after dist.Snapshot) *Plan {
	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}

	var removes, upgrades, installs []Action

	for name, old := range before {
		updated, ok := after[name]
		if !ok {
			removes = append(removes, Action{Type: ActionRemove, Name: name, Before: old})
			continue
		}
		if old.Equal(updated) {
			continue
		}
		upgrades = append(upgrades, Action{Type: ActionUpgrade, Name: name, Before: old, After: updated})
	}
	for name, updated := range after {
		if _, ok := before[name]; ok {
			continue
		}
		installs = append(installs, Action{Type: ActionInstall, Name: name, After: updated})
	}

	for _, group := range [][]Action{removes, upgrades, installs} {
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		plan.Actions = append(plan.Actions, group...)
	}

	log.Debug().
		Str("plan_id", plan.ID).
		Int("removes", len(removes)).
		Int("upgrades", len(upgrades)).
		Int("installs", len(installs)).
		Msg("Computed reconciliation plan")
	return plan
}
