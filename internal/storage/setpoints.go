package storage

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/setpoints.json
var schemaFS embed.FS

// SetpointStore persists the last submitted setpoint list.
type SetpointStore interface {
	LoadSetpoints(ctx context.Context) ([]float64, error)
	SaveSetpoints(ctx context.Context, angles []float64) error
}

// DefaultSetpoints is the list served when nothing valid was persisted:
// 0 to 60000 in steps of 1000.
func DefaultSetpoints() []float64 {
	out := make([]float64, 0, 61)
	for v := 0; v <= 60000; v += 1000 {
		out = append(out, float64(v))
	}
	return out
}

var (
	setpointSchemaOnce sync.Once
	setpointSchema     *jsonschema.Schema
	setpointSchemaErr  error
)

func compiledSetpointSchema() (*jsonschema.Schema, error) {
	setpointSchemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schema/setpoints.json")
		if err != nil {
			setpointSchemaErr = fmt.Errorf("read setpoint schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("setpoints.json", bytes.NewReader(data)); err != nil {
			setpointSchemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		setpointSchema, setpointSchemaErr = compiler.Compile("setpoints.json")
	})
	return setpointSchema, setpointSchemaErr
}

// ParseSetpoints reads a setpoint document. It accepts a flat JSON array of
// numbers as well as a JSON string holding such an array.
func ParseSetpoints(data []byte) ([]float64, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("decode setpoint string: %w", err)
		}
		data = []byte(inner)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode setpoints: %w", err)
	}

	schema, err := compiledSetpointSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid setpoints: %w", err)
	}

	var angles []float64
	if err := json.Unmarshal(data, &angles); err != nil {
		return nil, fmt.Errorf("decode setpoints: %w", err)
	}
	return angles, nil
}
