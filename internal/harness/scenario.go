package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
	"github.com/roach88/scenehost/internal/wire"
)

// Scenario is one harness run: scenes, the steps that drive them, and what
// must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Realm defaults to "main".
	Realm string `yaml:"realm,omitempty"`

	// Start is the parcel the player starts on, "x,y". Defaults to 0,0.
	Start string `yaml:"start,omitempty"`

	Scenes     []SceneDef  `yaml:"scenes"`
	Grants     []Grant     `yaml:"grants,omitempty"`
	Steps      []Step      `yaml:"steps,omitempty"`
	Assertions []Assertion `yaml:"assertions"`
}

// SceneDef is one scene of the in-memory catalog.
type SceneDef struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title,omitempty"`
	Parcels []string `yaml:"parcels"`
	// Base defaults to the first parcel.
	Base string `yaml:"base,omitempty"`

	// Script is the scene's main module. ScriptFile loads it from a file
	// relative to the scenario instead.
	Script     string `yaml:"script,omitempty"`
	ScriptFile string `yaml:"script_file,omitempty"`

	// Files are extra content files the scene can read.
	Files map[string]string `yaml:"files,omitempty"`
}

// Grant is a session permission decision made before the scene starts.
type Grant struct {
	Scene    string `yaml:"scene"`
	Kind     string `yaml:"kind"`
	Decision string `yaml:"decision"`
}

// Step is one thing the harness does. Exactly one of Frames, Move and
// Console is set.
type Step struct {
	// Frames runs this many frames.
	Frames int `yaml:"frames,omitempty"`

	// Move puts the player on a parcel, "x,y", as a renderer would.
	Move string `yaml:"move,omitempty"`

	// Console runs a console line. Expect, when set, must be a substring
	// of its output.
	Console string `yaml:"console,omitempty"`
	Expect  string `yaml:"expect,omitempty"`
}

// EventMatch selects trace events. Empty fields match anything.
type EventMatch struct {
	Event     string       `yaml:"event,omitempty"`
	Scene     string       `yaml:"scene,omitempty"`
	Entity    *uint32      `yaml:"entity,omitempty"`
	Component ComponentRef `yaml:"component,omitempty"`
	Action    string       `yaml:"action,omitempty"`
	// Detail matches when it is a substring of the event's detail.
	Detail string `yaml:"detail,omitempty"`
}

// Assertion validates the final world or the trace.
type Assertion struct {
	Type string `yaml:"type"`

	EventMatch `yaml:",inline"`

	// Text or Hex is the expected payload for world_has.
	Text *string `yaml:"text,omitempty"`
	Hex  string  `yaml:"hex,omitempty"`

	// State is the expected scheduler state for scene_state.
	State string `yaml:"state,omitempty"`

	// Count is the expected number of matches for trace_count.
	Count *int `yaml:"count,omitempty"`

	// Sequence is the expected event order for trace_order.
	Sequence []EventMatch `yaml:"sequence,omitempty"`
}

// Assertion type constants.
const (
	AssertWorldHas      = "world_has"
	AssertWorldMissing  = "world_missing"
	AssertSceneState    = "scene_state"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// ComponentRef names a component by number or by registered name.
type ComponentRef struct {
	ID  ir.ComponentID
	Set bool
}

// UnmarshalYAML accepts 2000 or Transform.
func (c *ComponentRef) UnmarshalYAML(node *yaml.Node) error {
	var n uint32
	if err := node.Decode(&n); err == nil {
		*c = ComponentRef{ID: ir.ComponentID(n), Set: true}
		return nil
	}
	var name string
	if err := node.Decode(&name); err != nil {
		return fmt.Errorf("line %d: component must be a number or a name", node.Line)
	}
	id, ok := wire.DefaultRegistry().ByName(name)
	if !ok {
		return fmt.Errorf("line %d: unknown component %q", node.Line, name)
	}
	*c = ComponentRef{ID: id, Set: true}
	return nil
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly. script_file paths are resolved relative
// to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range s.Scenes {
		sc := &s.Scenes[i]
		if sc.ScriptFile == "" {
			continue
		}
		p := sc.ScriptFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		script, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scenario: scenes[%d]: %w", i, err)
		}
		sc.Script = string(script)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML. script_file entries are
// left unresolved.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Start != "" {
		if _, err := ir.ParseParcel(s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if len(s.Scenes) == 0 {
		return fmt.Errorf("scenes list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool)
	for i, sc := range s.Scenes {
		if err := validateScene(sc); err != nil {
			return fmt.Errorf("scenes[%d]: %w", i, err)
		}
		if seen[sc.ID] {
			return fmt.Errorf("scenes[%d]: duplicate scene id %q", i, sc.ID)
		}
		seen[sc.ID] = true
	}

	for i, g := range s.Grants {
		if g.Scene == "" || g.Kind == "" {
			return fmt.Errorf("grants[%d]: scene and kind are required", i)
		}
		if _, err := permission.ParseValue(g.Decision); err != nil {
			return fmt.Errorf("grants[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateScene(sc SceneDef) error {
	if sc.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(sc.Parcels) == 0 {
		return fmt.Errorf("parcels list is required and must be non-empty")
	}
	var parcels []ir.Parcel
	for _, s := range sc.Parcels {
		p, err := ir.ParseParcel(s)
		if err != nil {
			return err
		}
		parcels = append(parcels, p)
	}
	if sc.Base != "" {
		base, err := ir.ParseParcel(sc.Base)
		if err != nil {
			return fmt.Errorf("base: %w", err)
		}
		found := false
		for _, p := range parcels {
			found = found || p == base
		}
		if !found {
			return fmt.Errorf("base %s is not one of the scene parcels", base)
		}
	}
	switch {
	case sc.Script == "" && sc.ScriptFile == "":
		return fmt.Errorf("script or script_file is required")
	case sc.Script != "" && sc.ScriptFile != "":
		return fmt.Errorf("script and script_file are mutually exclusive")
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Frames != 0 {
		set++
	}
	if step.Move != "" {
		set++
	}
	if step.Console != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of frames, move and console is required")
	}
	if step.Frames < 0 {
		return fmt.Errorf("frames must be positive")
	}
	if step.Move != "" {
		if _, err := ir.ParseParcel(step.Move); err != nil {
			return fmt.Errorf("move: %w", err)
		}
	}
	if step.Expect != "" && step.Console == "" {
		return fmt.Errorf("expect only applies to console steps")
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertWorldHas:
		if a.Scene == "" || a.Entity == nil || !a.Component.Set {
			return fmt.Errorf("assertions[%d]: scene, entity and component are required for world_has", index)
		}
		if a.Text != nil && a.Hex != "" {
			return fmt.Errorf("assertions[%d]: text and hex are mutually exclusive", index)
		}
	case AssertWorldMissing:
		if a.Scene == "" || a.Entity == nil {
			return fmt.Errorf("assertions[%d]: scene and entity are required for world_missing", index)
		}
	case AssertSceneState:
		if a.Scene == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: scene and state are required for scene_state", index)
		}
	case AssertTraceContains:
		if a.EventMatch == (EventMatch{}) {
			return fmt.Errorf("assertions[%d]: trace_contains needs at least one matcher field", index)
		}
	case AssertTraceCount:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for trace_count", index)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Sequence) == 0 {
			return fmt.Errorf("assertions[%d]: sequence is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
