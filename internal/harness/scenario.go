package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/ir"
)

// DefaultHandle names the handle of scenarios that declare none.
const DefaultHandle = "main"

// Scenario is a scripted sequence of database operations and the
// assertions to check afterwards.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files are named after it.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// SchemaVersion is the version the handles open the file at.
	SchemaVersion int64 `yaml:"schema_version,omitempty"`

	// Models are inline model descriptors.
	Models []ir.ModelSpec `yaml:"models,omitempty"`

	// ModelsDir is a directory of CUE model files, relative to the scenario
	// file.
	ModelsDir string `yaml:"models_dir,omitempty"`

	// Handles names the handles steps run on, each on its own owner.
	Handles []string `yaml:"handles,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation on a handle.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Handle defaults to the first declared handle.
	Handle string `yaml:"handle,omitempty"`

	// Model is the target model (create, upsert, clear, observe_query).
	Model string `yaml:"model,omitempty"`

	// Fields are field values (create, upsert, update).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Row names a row bound earlier with As (update, delete, observe_object).
	Row string `yaml:"row,omitempty"`

	// As binds the created row or the new observer to a name.
	As string `yaml:"as,omitempty"`

	// Where filters observe_query by field equality.
	Where map[string]any `yaml:"where,omitempty"`

	// Sort orders observe_query results; a leading "-" sorts descending.
	Sort []string `yaml:"sort,omitempty"`

	// Observer names the registration to end (unobserve).
	Observer string `yaml:"observer,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpBegin         = "begin"
	OpCommit        = "commit"
	OpCancel        = "cancel"
	OpRefresh       = "refresh"
	OpDrain         = "drain"
	OpCreate        = "create"
	OpUpsert        = "upsert"
	OpUpdate        = "update"
	OpDelete        = "delete"
	OpClear         = "clear"
	OpObserveObject = "observe_object"
	OpObserveQuery  = "observe_query"
	OpUnobserve     = "unobserve"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Observer is checked by notification_count and last_result.
	Observer string `yaml:"observer,omitempty"`

	// Observers is the expected first-notification order.
	Observers []string `yaml:"observers,omitempty"`

	// Count is the expected notification count (notification_count) or
	// result size (last_result).
	Count int `yaml:"count"`

	// Model, Where and Expect select and check a row (final_state).
	Model  string         `yaml:"model,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertNotificationCount = "notification_count"
	AssertNotificationOrder = "notification_order"
	AssertLastResult        = "last_result"
	AssertFinalState        = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.ModelsDir != "" && !filepath.IsAbs(scenario.ModelsDir) {
		scenario.ModelsDir = filepath.Join(filepath.Dir(path), scenario.ModelsDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// handles returns the declared handles, or the default one.
func (s *Scenario) handles() []string {
	if len(s.Handles) == 0 {
		return []string{DefaultHandle}
	}
	return s.Handles
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Models) == 0 && s.ModelsDir == "" {
		return fmt.Errorf("models or models_dir is required")
	}
	if s.SchemaVersion < 0 {
		return fmt.Errorf("schema_version must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	handles := s.handles()
	for i, h := range handles {
		if h == "" {
			return fmt.Errorf("handles[%d]: name is required", i)
		}
		if slices.Index(handles, h) != i {
			return fmt.Errorf("handles[%d]: duplicate handle %q", i, h)
		}
	}

	rows := map[string]bool{}
	observers := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(step, handles, rows, observers); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, observers); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

// validateStep checks one step and records the names it binds.
func validateStep(step Step, handles []string, rows, observers map[string]bool) error {
	if step.Handle != "" && !slices.Contains(handles, step.Handle) {
		return fmt.Errorf("unknown handle %q", step.Handle)
	}

	needRow := func() error {
		if step.Row == "" {
			return fmt.Errorf("row is required for %s", step.Op)
		}
		if !rows[step.Row] {
			return fmt.Errorf("row %q is not bound by an earlier step", step.Row)
		}
		return nil
	}

	switch step.Op {
	case OpBegin, OpCommit, OpCancel, OpRefresh, OpDrain:
	case OpCreate, OpUpsert:
		if step.Model == "" {
			return fmt.Errorf("model is required for %s", step.Op)
		}
		if step.As != "" {
			rows[step.As] = true
		}
	case OpUpdate:
		if err := needRow(); err != nil {
			return err
		}
		if len(step.Fields) == 0 {
			return fmt.Errorf("fields are required for update")
		}
	case OpDelete:
		if err := needRow(); err != nil {
			return err
		}
	case OpClear:
		if step.Model == "" {
			return fmt.Errorf("model is required for clear")
		}
	case OpObserveObject:
		if err := needRow(); err != nil {
			return err
		}
		if step.As == "" {
			return fmt.Errorf("as is required for observe_object")
		}
		observers[step.As] = true
	case OpObserveQuery:
		if step.Model == "" {
			return fmt.Errorf("model is required for observe_query")
		}
		if step.As == "" {
			return fmt.Errorf("as is required for observe_query")
		}
		observers[step.As] = true
	case OpUnobserve:
		if !observers[step.Observer] {
			return fmt.Errorf("observer %q is not bound by an earlier step", step.Observer)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func validateAssertion(a Assertion, observers map[string]bool) error {
	switch a.Type {
	case AssertNotificationCount, AssertLastResult:
		if !observers[a.Observer] {
			return fmt.Errorf("unknown observer %q for %s", a.Observer, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for %s", a.Type)
		}
	case AssertNotificationOrder:
		if len(a.Observers) < 2 {
			return fmt.Errorf("at least two observers are required for notification_order")
		}
		for _, o := range a.Observers {
			if !observers[o] {
				return fmt.Errorf("unknown observer %q for notification_order", o)
			}
		}
	case AssertFinalState:
		if a.Model == "" {
			return fmt.Errorf("model is required for final_state")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for final_state")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
