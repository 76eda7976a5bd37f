// Package manifest reads and applies declarative trigger definitions.
//
// A manifest is a YAML (or JSON) document with a top-level "triggers" list
// whose entries use the same shape as the create-trigger API body.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/domain"
)

type Manifest struct {
	Triggers []admin.CreateTriggerRequest `json:"triggers"`
}

// Creator is satisfied by *admin.Service.
type Creator interface {
	CreateTrigger(ctx context.Context, req admin.CreateTriggerRequest) (domain.Trigger, error)
}

// Validator is satisfied by *admin.Service.
type Validator interface {
	Validate(req admin.CreateTriggerRequest) (domain.Trigger, error)
}

// Result reports what Apply did per trigger name.
type Result struct {
	Created []string
	Skipped []string // already existed
}

// Load reads and parses the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(path, data)
}

// Parse decodes a manifest. Files ending in .json are read as JSON; anything
// else is read as YAML. Unknown fields are rejected.
func Parse(path string, data []byte) (Manifest, error) {
	var m Manifest

	raw := data
	if strings.ToLower(filepath.Ext(path)) != ".json" {
		var err error
		if raw, err = yamlToJSON(data); err != nil {
			return m, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Marshal renders m as YAML using the API field names.
func Marshal(m Manifest) ([]byte, error) {
	j, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return nil, err
	}
	return yaml.Marshal(v)
}

// Validate checks every definition without persisting anything. All problems
// are reported, including names repeated within the manifest.
func Validate(v Validator, m Manifest) error {
	var errs []error
	seen := make(map[string]int, len(m.Triggers))
	for i, req := range m.Triggers {
		if _, err := v.Validate(req); err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d] %q: %w", i, req.Name, err))
			continue
		}
		if prev, ok := seen[req.Name]; ok {
			errs = append(errs, fmt.Errorf("triggers[%d] %q: %w (also triggers[%d])", i, req.Name, domain.ErrDuplicateName, prev))
			continue
		}
		seen[req.Name] = i
	}
	return errors.Join(errs...)
}

// Apply creates every trigger in m. Triggers whose name already exists are
// skipped, not updated. The first other failure stops the run.
func Apply(ctx context.Context, c Creator, m Manifest) (Result, error) {
	var res Result
	for i, req := range m.Triggers {
		trigger, err := c.CreateTrigger(ctx, req)
		switch {
		case errors.Is(err, domain.ErrDuplicateName):
			res.Skipped = append(res.Skipped, req.Name)
		case err != nil:
			return res, fmt.Errorf("triggers[%d] %q: %w", i, req.Name, err)
		default:
			res.Created = append(res.Created, trigger.Name)
		}
	}
	return res, nil
}

// FromTriggers builds a manifest that recreates the given triggers.
func FromTriggers(triggers []domain.Trigger) Manifest {
	m := Manifest{Triggers: make([]admin.CreateTriggerRequest, len(triggers))}
	for i, t := range triggers {
		m.Triggers[i] = admin.FromTrigger(t)
	}
	return m
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
