package workflow

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
)

func typeValues() []any {
	out := make([]any, len(Types))
	for i, t := range Types {
		out[i] = t
	}
	return out
}

func (c Condition) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Operator, validation.Required, validation.In(operators...)),
		validation.Field(&c.Field, validation.When(c.Operator != OpExists && c.Operator != OpNotExists, validation.Required)),
	)
}

func (s Stage) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ID, validation.Required, validation.Length(1, 128)),
		validation.Field(&s.AgentID, validation.Required),
		validation.Field(&s.CapabilityID, validation.Required),
		validation.Field(&s.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&s.Retry),
		validation.Field(&s.Conditions),
	)
}

func (d Dependency) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.StageID, validation.Required),
		validation.Field(&d.DependsOn, validation.Required),
	)
}

func (d Definition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.ID, validation.Required),
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.Type, validation.Required, validation.In(typeValues()...)),
		validation.Field(&d.Stages, validation.Required, validation.Length(1, 0)),
		validation.Field(&d.Dependencies),
	)
}

// ValidateDefinition checks the shape of def and its dependency graph.
// Shape problems are CONFIGURATION_ERROR; unknown references and cycles
// are DEPENDENCY_ERROR.
func ValidateDefinition(def Definition) error {
	if err := def.Validate(); err != nil {
		return errors.FromOzzoValidation(err, "invalid workflow definition "+def.ID).
			WithTextCode(ossa.ErrCodeConfiguration).
			WithMetadata(map[string]any{"workflow_id": def.ID})
	}

	seen := make(map[string]struct{}, len(def.Stages))
	for _, s := range def.Stages {
		if _, dup := seen[s.ID]; dup {
			return ossa.NewError(ossa.ErrConfiguration, "duplicate stage id "+s.ID, nil, map[string]any{
				"workflow_id": def.ID,
				"stage_id":    s.ID,
			})
		}
		seen[s.ID] = struct{}{}
	}

	for _, dep := range def.Dependencies {
		if _, ok := seen[dep.StageID]; !ok {
			return unresolved(def.ID, dep.StageID, dep.StageID)
		}
		for _, parent := range dep.DependsOn {
			if _, ok := seen[parent]; !ok {
				return unresolved(def.ID, dep.StageID, parent)
			}
		}
	}

	if def.Type == TypeDAG || def.Type == TypeEventDriven {
		if cycle := findCycle(def); len(cycle) > 0 {
			return ossa.NewError(ossa.ErrDependency,
				"circular dependency: "+strings.Join(cycle, " -> "), nil,
				map[string]any{"workflow_id": def.ID, "cycle": cycle})
		}
	}
	return nil
}

func unresolved(workflowID, stageID, ref string) error {
	return ossa.NewError(ossa.ErrDependency,
		fmt.Sprintf("stage %s depends on unknown stage %s", stageID, ref), nil,
		map[string]any{"workflow_id": workflowID, "stage_id": stageID, "reference": ref})
}

// findCycle runs a colouring DFS over the dependency edges and returns the
// first cycle found, closed on its starting stage.
func findCycle(def Definition) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Stages))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, parent := range def.DependenciesOf(id) {
			switch color[parent] {
			case grey:
				for i, s := range stack {
					if s == parent {
						return append(append([]string(nil), stack[i:]...), parent)
					}
				}
			case white:
				if c := visit(parent); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range def.Stages {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
