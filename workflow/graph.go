package workflow

import (
	"fmt"
	"strings"

	"github.com/songzhibin97/automation-engine/rules"
	"github.com/songzhibin97/automation-engine/types"
)

// Graph is the step graph of a workflow: an arena of steps plus an
// adjacency index resolved from nextSteps.
type Graph struct {
	steps []types.WorkflowStep
	index map[string]int
	next  [][]int
}

// NewGraph indexes steps and resolves their successor edges. Step ids must be
// unique and every nextSteps entry must name a step of the graph.
func NewGraph(steps []types.WorkflowStep) (*Graph, error) {
	g := &Graph{
		steps: steps,
		index: make(map[string]int, len(steps)),
		next:  make([][]int, len(steps)),
	}

	for i, step := range steps {
		if step.ID == "" {
			return nil, fmt.Errorf("%w: step at position %d has no id", ErrValidation, i)
		}
		if _, dup := g.index[step.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrValidation, step.ID)
		}
		g.index[step.ID] = i
	}

	for i, step := range steps {
		for _, id := range step.NextSteps {
			j, ok := g.index[id]
			if !ok {
				return nil, fmt.Errorf("%w: step %q references unknown step %q", ErrValidation, step.ID, id)
			}
			g.next[i] = append(g.next[i], j)
		}
	}

	return g, nil
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Step returns the step at position i.
func (g *Graph) Step(i int) types.WorkflowStep {
	return g.steps[i]
}

// Lookup returns the position of the step with the given id.
func (g *Graph) Lookup(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Next returns the successors of step i in nextSteps order.
func (g *Graph) Next(i int) []int {
	return g.next[i]
}

// Entry returns the first trigger step. Later trigger steps are ignored;
// Validate rejects stored definitions with more than one.
func (g *Graph) Entry() (int, error) {
	for i, step := range g.steps {
		if step.Type == types.StepTypeTrigger {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: workflow has no trigger step", ErrNoTrigger)
}

const (
	white = iota
	grey
	black
)

// DetectCycle runs a three-colour depth-first search over every step and
// reports the first back edge found.
func (g *Graph) DetectCycle() error {
	colour := make([]int, len(g.steps))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		colour[i] = grey
		path = append(path, g.steps[i].ID)
		for _, j := range g.next[i] {
			switch colour[j] {
			case grey:
				return fmt.Errorf("%w: cycle detected: %s -> %s", ErrValidation, strings.Join(path, " -> "), g.steps[j].ID)
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		colour[i] = black
		return nil
	}

	for i := range g.steps {
		if colour[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks a workflow definition before it is stored.
func Validate(wf types.WorkflowDefinition) error {
	if strings.TrimSpace(wf.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}

	g, err := NewGraph(wf.Steps)
	if err != nil {
		return err
	}

	triggers := 0
	for _, step := range wf.Steps {
		if err := validateStep(step); err != nil {
			return err
		}
		if step.Type == types.StepTypeTrigger {
			triggers++
		}
	}
	switch {
	case triggers == 0:
		return fmt.Errorf("%w: %w: workflow has no trigger step", ErrValidation, ErrNoTrigger)
	case triggers > 1:
		return fmt.Errorf("%w: workflow declares %d trigger steps, exactly one is allowed", ErrValidation, triggers)
	}

	seen := make(map[string]bool, len(wf.Triggers))
	for _, decl := range wf.Triggers {
		if decl.ID == "" || decl.Service == "" {
			return fmt.Errorf("%w: declared trigger needs an id and a service", ErrValidation)
		}
		if seen[decl.ID] {
			return fmt.Errorf("%w: duplicate declared trigger %q", ErrValidation, decl.ID)
		}
		seen[decl.ID] = true
		if decl.Filter != "" {
			if err := rules.Check(decl.Filter); err != nil {
				return fmt.Errorf("%w: declared trigger %q has an invalid filter: %v", ErrValidation, decl.ID, err)
			}
		}
	}

	if err := g.DetectCycle(); err != nil {
		return err
	}
	return g.checkEntry()
}

// checkEntry requires the trigger step to be a root of the graph from which
// every other step is reachable.
func (g *Graph) checkEntry() error {
	entry, err := g.Entry()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	for i := range g.steps {
		for _, j := range g.next[i] {
			if j == entry {
				return fmt.Errorf("%w: trigger step %q has predecessor %q", ErrValidation, g.steps[entry].ID, g.steps[i].ID)
			}
		}
	}

	reached := make([]bool, len(g.steps))
	stack := []int{entry}
	reached[entry] = true
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, j := range g.next[i] {
			if !reached[j] {
				reached[j] = true
				stack = append(stack, j)
			}
		}
	}
	for i, ok := range reached {
		if !ok {
			return fmt.Errorf("%w: step %q is not reachable from trigger step %q", ErrValidation, g.steps[i].ID, g.steps[entry].ID)
		}
	}
	return nil
}

func validateStep(step types.WorkflowStep) error {
	var missing bool
	switch step.Type {
	case types.StepTypeTrigger:
		missing = step.Trigger != nil && step.Trigger.Service != "" && step.Trigger.TriggerID == ""
	case types.StepTypeAction:
		missing = step.Action == nil || step.Action.Service == "" || step.Action.ActionID == ""
	case types.StepTypeCondition:
		missing = step.Condition == nil || step.Condition.Field == "" || step.Condition.Operator == ""
	case types.StepTypeTransform:
		missing = step.Transform == nil || step.Transform.Transformation == ""
	default:
		return fmt.Errorf("%w: step %q: %w: %q", ErrValidation, step.ID, ErrUnknownStepType, step.Type)
	}
	if missing {
		return fmt.Errorf("%w: step %q is missing its %s configuration", ErrValidation, step.ID, step.Type)
	}
	if step.Timeout < 0 {
		return fmt.Errorf("%w: step %q has a negative timeout", ErrValidation, step.ID)
	}
	if step.Retry != nil && step.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: step %q has a negative retry count", ErrValidation, step.ID)
	}
	return nil
}
