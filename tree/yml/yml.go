// Package yml compiles pipeline definitions into a tree.FlowNode and
// serializes compiled flows back to definition text.
package yml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

const (
	defaultStepPrefix  = "step"
	defaultAfterPrefix = "after"
)

// flowYml mirrors the definition schema.
type flowYml struct {
	Envs          vars.Vars          `yaml:"envs,omitempty"`
	Cron          string             `yaml:"cron,omitempty"`
	Selector      tree.Selector      `yaml:"selector,omitempty"`
	Trigger       tree.TriggerFilter `yaml:"trigger,omitempty"`
	Notifications []notifyYml        `yaml:"notifications,omitempty"`
	Steps         []stepYml          `yaml:"steps"`
	After         []stepYml          `yaml:"after,omitempty"`
}

type notifyYml struct {
	Plugin  string    `yaml:"plugin"`
	Enabled *bool     `yaml:"enabled,omitempty"`
	Envs    vars.Vars `yaml:"envs,omitempty"`
}

type stepYml struct {
	Name         string             `yaml:"name,omitempty"`
	Envs         vars.Vars          `yaml:"envs,omitempty"`
	Before       string             `yaml:"before,omitempty"`
	Script       string             `yaml:"script,omitempty"`
	AfterScript  string             `yaml:"after_script,omitempty"`
	AllowFailure bool               `yaml:"allow_failure,omitempty"`
	Docker       *tree.DockerOption `yaml:"docker,omitempty"`
	Plugin       string             `yaml:"plugin,omitempty"`
	Export       []string           `yaml:"export,omitempty"`
	Timeout      int                `yaml:"timeout,omitempty"`
}

// Load compiles definition text into a FlowNode named name. Unknown fields
// are rejected. No partial tree is returned on error.
func Load(name, text string) (*tree.FlowNode, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)

	var fy flowYml
	if err := dec.Decode(&fy); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", tree.ErrValidation, err)
	}
	return fy.toNode(name)
}

// Parse serializes flow back to definition text. Loading the result under the
// same name yields an equivalent flow.
func Parse(flow *tree.FlowNode) (string, error) {
	fy := fromNode(flow)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fy); err != nil {
		return "", fmt.Errorf("failed to encode flow %s: %w", flow.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode flow %s: %w", flow.Name(), err)
	}
	return buf.String(), nil
}

func (fy *flowYml) toNode(name string) (*tree.FlowNode, error) {
	flow, err := tree.NewFlowNode(name)
	if err != nil {
		return nil, err
	}

	if err := fy.Trigger.Validate(); err != nil {
		return nil, err
	}
	flow.Cron = fy.Cron
	flow.Selector = fy.Selector
	flow.Trigger = fy.Trigger
	putAll(flow.Environments(), &fy.Envs)

	if err := fy.setupNotifications(flow); err != nil {
		return nil, err
	}
	if err := fy.setupSteps(flow); err != nil {
		return nil, err
	}
	if err := fy.setupAfter(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

func (fy *flowYml) setupNotifications(flow *tree.FlowNode) error {
	seen := make(map[string]bool, len(fy.Notifications))
	for _, n := range fy.Notifications {
		if n.Plugin == "" {
			return fmt.Errorf("%w: notification plugin must be defined", tree.ErrValidation)
		}
		if seen[n.Plugin] {
			return fmt.Errorf("%w: plugin %s defined twice in notifications", tree.ErrDuplicate, n.Plugin)
		}
		seen[n.Plugin] = true

		notify := tree.Notification{Plugin: n.Plugin, Enabled: n.Enabled == nil || *n.Enabled}
		putAll(&notify.Inputs, &n.Envs)
		flow.Notifications = append(flow.Notifications, notify)
	}
	return nil
}

func (fy *flowYml) setupSteps(flow *tree.FlowNode) error {
	if len(fy.Steps) == 0 {
		return fmt.Errorf("%w: steps must be defined", tree.ErrValidation)
	}
	steps, err := buildList(flow, fy.Steps, tree.StepTypeStep, defaultStepPrefix)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if err := flow.AddStep(s); err != nil {
			return err
		}
	}
	return nil
}

func (fy *flowYml) setupAfter(flow *tree.FlowNode) error {
	after, err := buildList(flow, fy.After, tree.StepTypeAfter, defaultAfterPrefix)
	if err != nil {
		return err
	}
	for _, s := range after {
		if err := flow.AddAfter(s); err != nil {
			return err
		}
	}
	return nil
}

// buildList converts one step list. Default names use the 1-based position
// within this list only.
func buildList(flow *tree.FlowNode, list []stepYml, typ tree.StepType, prefix string) ([]*tree.StepNode, error) {
	out := make([]*tree.StepNode, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i := range list {
		s, err := list[i].toNode(flow, i+1, typ, prefix)
		if err != nil {
			return nil, err
		}
		if seen[s.Name()] {
			return nil, fmt.Errorf("%w: name %s in %s", tree.ErrDuplicate, s.Name(), strings.ToLower(string(typ)))
		}
		seen[s.Name()] = true
		out = append(out, s)
	}
	return out, nil
}

func (sy *stepYml) toNode(flow *tree.FlowNode, index int, typ tree.StepType, prefix string) (*tree.StepNode, error) {
	name := sy.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", prefix, index)
	}
	s, err := flow.NewStep(name, typ)
	if err != nil {
		return nil, err
	}

	if sy.Docker != nil && sy.Docker.Image == "" {
		return nil, fmt.Errorf("%w: docker image must be defined in %s", tree.ErrValidation, name)
	}
	if sy.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout in %s", tree.ErrValidation, name)
	}

	putAll(s.Environments(), &sy.Envs)
	s.BeforeScript = sy.Before
	s.Script = sy.Script
	s.AfterScript = sy.AfterScript
	s.AllowFailure = sy.AllowFailure
	s.Docker = sy.Docker.Copy()
	s.Plugin = sy.Plugin
	s.Timeout = sy.Timeout
	for _, e := range sy.Export {
		s.AddExport(e)
	}
	return s, nil
}

func fromNode(flow *tree.FlowNode) flowYml {
	fy := flowYml{
		Cron:     flow.Cron,
		Selector: flow.Selector,
		Trigger:  flow.Trigger,
	}
	putAll(&fy.Envs, flow.Environments())

	for _, n := range flow.Notifications {
		ny := notifyYml{Plugin: n.Plugin}
		if !n.Enabled {
			disabled := false
			ny.Enabled = &disabled
		}
		putAll(&ny.Envs, &n.Inputs)
		fy.Notifications = append(fy.Notifications, ny)
	}
	for _, s := range flow.Children() {
		fy.Steps = append(fy.Steps, fromStep(s))
	}
	for _, s := range flow.After() {
		fy.After = append(fy.After, fromStep(s))
	}
	return fy
}

func fromStep(s *tree.StepNode) stepYml {
	sy := stepYml{
		Name:         s.Name(),
		Before:       s.BeforeScript,
		Script:       s.Script,
		AfterScript:  s.AfterScript,
		AllowFailure: s.AllowFailure,
		Docker:       s.Docker.Copy(),
		Plugin:       s.Plugin,
		Export:       append([]string(nil), s.Exports...),
		Timeout:      s.Timeout,
	}
	putAll(&sy.Envs, s.Environments())
	return sy
}

func putAll(dst, src *vars.Vars) {
	for _, k := range src.Keys() {
		v, _ := src.Get(k)
		dst.Put(k, v)
	}
}
