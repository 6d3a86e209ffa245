package reconcile

import (
	"encoding/json"
	"fmt"

	"hostsync/internal/check"
	"hostsync/internal/desired"
)

// ActionKind tags what the engine does to one id. The runtime has no atomic
// update primitive, so an update is a Recreate: delete then create.
type ActionKind uint8

const (
	ActionDelete ActionKind = iota + 1
	ActionCreate
	ActionRecreate
)

func (k ActionKind) String() string {
	switch k {
	case ActionDelete:
		return "delete"
	case ActionCreate:
		return "create"
	case ActionRecreate:
		return "recreate"
	default:
		return "unknown"
	}
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Action is one unit of work for a single id. Spec is nil for deletions.
type Action struct {
	Kind ActionKind
	ID   string
	Spec *desired.ContainerSpec
}

// Plan is the ordered action list for one cycle: deletions, then creations,
// then recreations.
type Plan struct {
	Deletes   []Action
	Creates   []Action
	Recreates []Action
}

// Len returns the total number of actions.
func (p Plan) Len() int {
	return len(p.Deletes) + len(p.Creates) + len(p.Recreates)
}

// BuildPlan resolves every classified id against the desired specs. An id that
// cannot be resolved is ErrInvariantViolation.
func BuildPlan(c Classification, specs []desired.ContainerSpec) (Plan, error) {
	index := desired.Index(specs)
	resolve := func(id string) (*desired.ContainerSpec, error) {
		spec, ok := index[id]
		check.Invariant(ok, "classified id %q has no desired spec", id)
		if !ok {
			return nil, fmt.Errorf("%w: id %q has no desired spec", ErrInvariantViolation, id)
		}
		return &spec, nil
	}

	plan := Plan{
		Deletes:   make([]Action, 0, len(c.ToDelete)),
		Creates:   make([]Action, 0, len(c.ToCreate)),
		Recreates: make([]Action, 0, len(c.ToUpdate)),
	}
	for _, id := range c.ToDelete {
		plan.Deletes = append(plan.Deletes, Action{Kind: ActionDelete, ID: id})
	}
	for _, id := range c.ToCreate {
		spec, err := resolve(id)
		if err != nil {
			return Plan{}, err
		}
		plan.Creates = append(plan.Creates, Action{Kind: ActionCreate, ID: id, Spec: spec})
	}
	for _, id := range c.ToUpdate {
		spec, err := resolve(id)
		if err != nil {
			return Plan{}, err
		}
		plan.Recreates = append(plan.Recreates, Action{Kind: ActionRecreate, ID: id, Spec: spec})
	}
	return plan, nil
}
