package workflow

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/automation-engine/types"
)

// ParseDefinition decodes a YAML workflow definition. Unknown fields are
// rejected. The result is not validated; CreateWorkflow does that.
func ParseDefinition(data []byte) (types.WorkflowDefinition, error) {
	var wf types.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: decoding definition: %w", ErrValidation, err)
	}
	return wf, nil
}

// LoadDefinition reads and decodes the YAML definition at path.
func LoadDefinition(path string) (types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("reading definition: %w", err)
	}
	return ParseDefinition(data)
}

// MarshalDefinition encodes wf as YAML in the form ParseDefinition reads.
// Bookkeeping fields such as timestamps and counters are omitted.
func MarshalDefinition(wf types.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(wf); err != nil {
		return nil, fmt.Errorf("encoding definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding definition: %w", err)
	}
	return buf.Bytes(), nil
}
