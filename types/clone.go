package types

// CopyData returns a deep copy of a data payload. Nested maps and slices are
// copied; scalar values are shared.
func CopyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyData(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Clone returns a deep copy of the definition.
func (wf WorkflowDefinition) Clone() WorkflowDefinition {
	out := wf
	if wf.Steps != nil {
		out.Steps = make([]WorkflowStep, len(wf.Steps))
		for i, s := range wf.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	if wf.Triggers != nil {
		out.Triggers = make([]TriggerDeclaration, len(wf.Triggers))
		for i, t := range wf.Triggers {
			t.Config = CopyData(t.Config)
			out.Triggers[i] = t
		}
	}
	if wf.LastExecutedAt != nil {
		t := *wf.LastExecutedAt
		out.LastExecutedAt = &t
	}
	return out
}

// Clone returns a deep copy of the step.
func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	if s.NextSteps != nil {
		out.NextSteps = append([]string(nil), s.NextSteps...)
	}
	if s.Retry != nil {
		r := *s.Retry
		out.Retry = &r
	}
	if s.Trigger != nil {
		t := *s.Trigger
		t.Config = CopyData(t.Config)
		out.Trigger = &t
	}
	if s.Action != nil {
		a := *s.Action
		a.Config = CopyData(a.Config)
		out.Action = &a
	}
	if s.Condition != nil {
		c := *s.Condition
		c.Value = copyValue(c.Value)
		out.Condition = &c
	}
	if s.Transform != nil {
		t := *s.Transform
		t.Params = CopyData(t.Params)
		out.Transform = &t
	}
	return out
}

// Clone returns a deep copy of the execution.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.Steps != nil {
		out.Steps = make([]WorkflowStepExecution, len(e.Steps))
		for i, s := range e.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	out.Data = CopyData(e.Data)
	out.TriggerData = CopyData(e.TriggerData)
	return out
}

// Clone returns a deep copy of the step execution.
func (s WorkflowStepExecution) Clone() WorkflowStepExecution {
	out := s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Input = CopyData(s.Input)
	out.Output = CopyData(s.Output)
	return out
}
