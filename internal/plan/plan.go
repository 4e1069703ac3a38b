// Package plan loads task plans from YAML or JSON files and converts them
// into the scheduler's task specs. JSON plans are validated against an
// embedded JSON Schema before use so malformed plans fail with a message
// naming the offending path.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mnehmos/rooswarm/internal/taskgraph"
	"github.com/Mnehmos/rooswarm/internal/workspace"
)

//go:embed schema.json
var schemaJSON string

// compiledSchema is built once at package init; the schema is embedded and
// must compile.
var compiledSchema = jsonschema.MustCompileString("plan/schema.json", schemaJSON)

// Task is one plan entry.
type Task struct {
	ID           string   `yaml:"id" json:"id"`
	DependsOn    []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Instructions string   `yaml:"instructions" json:"instructions"`
	Workspace    string   `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	WorkerType   string   `yaml:"workerType,omitempty" json:"workerType,omitempty"`
	EstimatedRPM int      `yaml:"estimatedRPM,omitempty" json:"estimatedRPM,omitempty"`
}

// Plan is a parsed task plan.
type Plan struct {
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

// Load reads a plan from a .yaml/.yml or .json file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported plan format %q (want .yaml, .yml, or .json)", filepath.Ext(path))
	}
}

// parseJSON validates against the schema, then decodes.
func parseJSON(data []byte) (*Plan, error) {
	var raw any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing plan JSON: %w", err)
	}

	if err := compiledSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("plan failed schema validation: %w", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}

// parseYAML decodes the plan and applies the schema's per-task checks:
// non-empty id and instructions, and estimatedRPM >= 0. Unknown fields and
// a missing tasks key are not rejected.
func parseYAML(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan YAML: %w", err)
	}

	for i, task := range p.Tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("plan task %d: id is required", i)
		}
		if task.Instructions == "" {
			return nil, fmt.Errorf("plan task %q: instructions are required", task.ID)
		}
		if task.EstimatedRPM < 0 {
			return nil, fmt.Errorf("plan task %q: estimatedRPM must be >= 0", task.ID)
		}
	}
	return &p, nil
}

// Specs converts the plan into scheduler task specs. Tasks without a
// workspace receive one from the conflict-free /worker-N suggestion,
// leaving explicit assignments untouched.
func (p *Plan) Specs() []taskgraph.TaskSpec {
	specs := make([]taskgraph.TaskSpec, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		specs = append(specs, taskgraph.TaskSpec{
			ID:            task.ID,
			Dependencies:  task.DependsOn,
			Instructions:  task.Instructions,
			WorkspacePath: task.Workspace,
			WorkerType:    task.WorkerType,
			EstimatedRPM:  task.EstimatedRPM,
		})
	}

	var missing bool
	for _, spec := range specs {
		if spec.WorkspacePath == "" {
			missing = true
			break
		}
	}
	if missing {
		suggested := workspace.SuggestAssignments(specs)
		for i := range specs {
			if specs[i].WorkspacePath == "" {
				specs[i].WorkspacePath = suggested[specs[i].ID]
			}
		}
	}
	return specs
}
