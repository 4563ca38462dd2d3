package engine

import (
	"fmt"
	"time"

	"github.com/picopip/picopip/pkg/dist"
)

// ActionType identifies what a plan action does to one distribution.
type ActionType string

const (
	// ActionInstall transfers a distribution absent from the target.
	ActionInstall ActionType = "install"

	// ActionUpgrade replaces an installed distribution with a
	// different version or content.
	ActionUpgrade ActionType = "upgrade"

	// ActionRemove deletes an installed distribution.
	ActionRemove ActionType = "remove"
)

// Validate checks that the action type is a known value.
func (t ActionType) Validate() error {
	switch t {
	case ActionInstall, ActionUpgrade, ActionRemove:
		return nil
	default:
		return NewPermanentError(fmt.Sprintf("invalid action type: %s", t), nil).
			WithCode(ErrCodeValidation)
	}
}

// Action is one planned step against the target.
type Action struct {
	// Type is the kind of change.
	Type ActionType `json:"type"`

	// Name is the normalized distribution name.
	Name string `json:"name"`

	// Before is the distribution currently on the target. Nil for
	// installs.
	Before *dist.Distribution `json:"before,omitempty"`

	// After is the distribution the target should end up with. Nil
	// for removes.
	After *dist.Distribution `json:"after,omitempty"`
}

// Validate checks the action's internal consistency.
func (a *Action) Validate() error {
	if err := a.Type.Validate(); err != nil {
		return err
	}
	if a.Name == "" {
		return NewPermanentError("action has empty distribution name", nil).
			WithCode(ErrCodeValidation)
	}
	switch a.Type {
	case ActionInstall:
		if a.After == nil {
			return NewPermanentError("install action has no target distribution", nil).
				WithCode(ErrCodeValidation).WithResource(a.Name)
		}
	case ActionRemove:
		if a.Before == nil {
			return NewPermanentError("remove action has no current distribution", nil).
				WithCode(ErrCodeValidation).WithResource(a.Name)
		}
	case ActionUpgrade:
		if a.Before == nil || a.After == nil {
			return NewPermanentError("upgrade action needs both current and target distribution", nil).
				WithCode(ErrCodeValidation).WithResource(a.Name)
		}
	}
	return nil
}

// Plan is an ordered list of actions. Removes come first so upgrades
// and installs never collide with files owned by outgoing
// distributions.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt records when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Actions are executed sequentially in slice order.
	Actions []Action `json:"actions"`
}

// Empty reports whether the plan changes nothing.
func (p *Plan) Empty() bool {
	return len(p.Actions) == 0
}

// Validate checks every action in the plan.
func (p *Plan) Validate() error {
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FileResult records the outcome for one transferred file.
type FileResult struct {
	// Path is the target path relative to the installation root.
	Path string `json:"path"`

	// Compiled is true when the file was cross-compiled before
	// transfer.
	Compiled bool `json:"compiled,omitempty"`

	// Skipped is true when the file was left out of the transfer.
	Skipped bool `json:"skipped,omitempty"`

	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`
}

// ActionResult records the outcome of one executed action.
type ActionResult struct {
	// Action is the executed plan step.
	Action Action `json:"action"`

	// Files are the per-file outcomes, transfers and removals alike.
	Files []FileResult `json:"files,omitempty"`
}

// Result summarizes an applied plan.
type Result struct {
	// PlanID links the result to the plan it executed.
	PlanID string `json:"plan_id"`

	// Actions are the executed steps in order.
	Actions []ActionResult `json:"actions"`

	// Skipped counts files left out because of compilation failures.
	Skipped int `json:"skipped"`

	// CompletedAt records when the apply finished.
	CompletedAt time.Time `json:"completed_at"`
}
