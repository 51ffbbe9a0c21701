package tree

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// Node is the capability shared by FlowNode and StepNode. The parent is kept
// as a path, never as a pointer; resolve it through NodeTree.Get.
type Node interface {
	Name() string
	Path() NodePath
	Parent() (NodePath, bool)
	Environments() *vars.Vars
	Children() []*StepNode
}

// StepType distinguishes regular steps from after-steps.
type StepType string

const (
	StepTypeStep  StepType = "Step"
	StepTypeAfter StepType = "After"
)

// DockerOption describes the container a step or plugin runs in.
type DockerOption struct {
	Image       string   `yaml:"image" json:"image"`
	Ports       []string `yaml:"ports,omitempty" json:"ports,omitempty"`
	Entrypoint  []string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	NetworkMode string   `yaml:"network_mode,omitempty" json:"networkMode,omitempty"`
	User        string   `yaml:"user,omitempty" json:"user,omitempty"`
}

// Copy returns a deep copy; nil stays nil.
func (d *DockerOption) Copy() *DockerOption {
	if d == nil {
		return nil
	}
	out := *d
	out.Ports = slices.Clone(d.Ports)
	out.Entrypoint = slices.Clone(d.Entrypoint)
	return &out
}

// Selector picks the agents a flow may run on.
type Selector struct {
	Labels []string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Match reports whether every selector label is present in agentLabels.
func (s Selector) Match(agentLabels []string) bool {
	for _, l := range s.Labels {
		if !slices.Contains(agentLabels, l) {
			return false
		}
	}
	return true
}

// TriggerFilter restricts which branches and tags start a flow. Entries are
// glob patterns such as "release/*".
type TriggerFilter struct {
	Branches []string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Tags     []string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// Validate checks that every pattern compiles.
func (f TriggerFilter) Validate() error {
	for _, p := range append(slices.Clone(f.Branches), f.Tags...) {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("%w: trigger pattern %q: %v", ErrValidation, p, err)
		}
	}
	return nil
}

// Match reports whether a push to branch or tag passes the filter. An empty
// pattern list accepts everything of its kind.
func (f TriggerFilter) Match(branch, tag string) bool {
	if branch != "" && !matchAny(f.Branches, branch) {
		return false
	}
	if tag != "" && !matchAny(f.Tags, tag) {
		return false
	}
	return true
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			if p == value {
				return true
			}
			continue
		}
		if g.Match(value) {
			return true
		}
	}
	return false
}

// Notification binds a notification plugin to a flow.
type Notification struct {
	Plugin  string
	Enabled bool
	Inputs  vars.Vars
}

// FlowNode is the root of a compiled pipeline.
type FlowNode struct {
	name string
	path NodePath
	env  vars.Vars

	Cron          string
	Selector      Selector
	Trigger       TriggerFilter
	Notifications []Notification

	steps []*StepNode
	after []*StepNode
}

// NewFlowNode creates a root node. name must satisfy ValidName.
func NewFlowNode(name string) (*FlowNode, error) {
	p, err := NewPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: flow name %q", ErrInvalidDefinition, name)
	}
	return &FlowNode{name: name, path: p}, nil
}

func (f *FlowNode) Name() string             { return f.name }
func (f *FlowNode) Path() NodePath           { return f.path }
func (f *FlowNode) Parent() (NodePath, bool) { return NodePath{}, false }
func (f *FlowNode) Environments() *vars.Vars { return &f.env }
func (f *FlowNode) Children() []*StepNode    { return f.steps }
func (f *FlowNode) After() []*StepNode       { return f.after }
func (f *FlowNode) Env(key string) string    { return f.env.GetOr(key, "") }
func (f *FlowNode) HasCron() bool            { return f.Cron != "" }

// Notification returns the binding for plugin, or nil.
func (f *FlowNode) Notification(plugin string) *Notification {
	for i := range f.Notifications {
		if f.Notifications[i].Plugin == plugin {
			return &f.Notifications[i]
		}
	}
	return nil
}

// NewStep creates a step of the given type addressed under the flow. The
// step is not attached; use AddStep or AddAfter.
func (f *FlowNode) NewStep(name string, typ StepType) (*StepNode, error) {
	p, err := f.path.Append(name)
	if err != nil {
		return nil, fmt.Errorf("%w: step name %q", ErrInvalidDefinition, name)
	}
	return &StepNode{name: name, path: p, parent: f.path, Type: typ}, nil
}

// AddStep attaches s as the next child step.
func (f *FlowNode) AddStep(s *StepNode) error {
	if err := f.owns(s, StepTypeStep); err != nil {
		return err
	}
	f.steps = append(f.steps, s)
	return nil
}

// AddAfter attaches s as the next after-step.
func (f *FlowNode) AddAfter(s *StepNode) error {
	if err := f.owns(s, StepTypeAfter); err != nil {
		return err
	}
	f.after = append(f.after, s)
	return nil
}

func (f *FlowNode) owns(s *StepNode, typ StepType) error {
	if s.parent != f.path {
		return fmt.Errorf("%w: step %s does not belong to flow %s", ErrInvalidPath, s.path, f.path)
	}
	if s.Type != typ {
		return fmt.Errorf("%w: step %s has type %s, expected %s", ErrValidation, s.path, s.Type, typ)
	}
	return nil
}

// StepNode is a unit of work in a flow, either a regular step or an
// after-step.
type StepNode struct {
	name   string
	path   NodePath
	parent NodePath
	env    vars.Vars

	Type         StepType
	Script       string
	BeforeScript string
	AfterScript  string
	Docker       *DockerOption
	Plugin       string
	AllowFailure bool
	Exports      []string
	// Timeout in seconds; zero defers to the job timeout.
	Timeout int
}

func (s *StepNode) Name() string             { return s.name }
func (s *StepNode) Path() NodePath           { return s.path }
func (s *StepNode) Parent() (NodePath, bool) { return s.parent, true }
func (s *StepNode) Environments() *vars.Vars { return &s.env }
func (s *StepNode) Children() []*StepNode    { return nil }
func (s *StepNode) Env(key string) string    { return s.env.GetOr(key, "") }
func (s *StepNode) IsAfter() bool            { return s.Type == StepTypeAfter }
func (s *StepNode) HasPlugin() bool          { return s.Plugin != "" }
func (s *StepNode) HasDocker() bool          { return s.Docker != nil }

// AddExport adds name to the export set, ignoring duplicates.
func (s *StepNode) AddExport(name string) {
	if !slices.Contains(s.Exports, name) {
		s.Exports = append(s.Exports, name)
	}
}
