package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Manifest is one loadable unit: a file declaring which capabilities to
// expose and under which service names.
//
// YAML form:
//
//	functions:
//	  - name: add
//	    capability: math.add
//	  - name: reports_head
//	    capability: storage.head
//	    config:
//	      bucket: reports
//
// HCL form:
//
//	function "reports_head" {
//	  capability = "storage.head"
//	  config = { bucket = "reports" }
//	}
type Manifest struct {
	Functions []Entry `yaml:"functions" json:"functions"`
}

// Entry is a single function declaration.
type Entry struct {
	Name        string         `yaml:"name" json:"name"`
	Capability  string         `yaml:"capability" json:"capability"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Config      map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// LoadManifest reads and parses a manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return ParseManifest(data, path)
}

// ParseManifest parses manifest bytes. The format is chosen by the extension
// of path: .hcl for HCL, anything else is YAML.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	var (
		m   *Manifest
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		m, err = parseHCL(data, path)
	default:
		m, err = parseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) validate() error {
	for i, e := range m.Functions {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("functions[%d]: name is required", i)
		}
		if strings.TrimSpace(e.Capability) == "" {
			return fmt.Errorf("functions[%d] (%s): capability is required", i, e.Name)
		}
	}
	return nil
}

// parseYAML validates the raw document before decoding so unknown keys are
// rejected rather than silently dropped.
func parseYAML(data []byte) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML manifest: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML manifest: %w", err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML manifest: %w", err)
	}
	return &m, nil
}

// hclManifestFile is the top-level structure of an HCL manifest.
type hclManifestFile struct {
	Functions []*hclFunction `hcl:"function,block"`
}

type hclFunction struct {
	Name        string    `hcl:"name,label"`
	Capability  string    `hcl:"capability"`
	Description string    `hcl:"description,optional"`
	Config      cty.Value `hcl:"config,optional"`
}

func parseHCL(data []byte, path string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL manifest %s: %w", path, diags)
	}

	var parsed hclManifestFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL manifest %s: %w", path, diags)
	}

	m := &Manifest{Functions: make([]Entry, 0, len(parsed.Functions))}
	for _, fn := range parsed.Functions {
		e := Entry{
			Name:        fn.Name,
			Capability:  fn.Capability,
			Description: fn.Description,
		}
		if !fn.Config.IsNull() {
			cfg, ok := ctyToGo(fn.Config).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("function %q: config must be an object", fn.Name)
			}
			e.Config = cfg
		}
		m.Functions = append(m.Functions, e)
	}
	if err := ValidateManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ctyToGo converts a known cty value into plain Go values.
func ctyToGo(v cty.Value) any {
	if v.IsNull() || !v.IsKnown() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f
	case ty == cty.Bool:
		return v.True()
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			out[k.AsString()] = ctyToGo(ev)
		}
		return out
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, ctyToGo(ev))
		}
		return out
	default:
		return nil
	}
}
