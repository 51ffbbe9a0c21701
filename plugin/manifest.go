package plugin

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/pipeline-engine/tree"
)

// ManifestFile is the file name DirResolver looks for in a plugin directory.
const ManifestFile = "plugin.yml"

// InputType constrains the value of a plugin input.
type InputType string

const (
	InputString InputType = "string"
	InputInt    InputType = "int"
	InputBool   InputType = "bool"
)

// Input declares one variable a plugin consumes.
type Input struct {
	Name     string    `yaml:"name"`
	Type     InputType `yaml:"type,omitempty"`
	Required bool      `yaml:"required,omitempty"`
	Default  string    `yaml:"value,omitempty"`
}

// Plugin is a reusable bundle of script, exports and an optional container
// that steps and local tasks reference by name.
type Plugin struct {
	Name         string             `yaml:"name"`
	Version      string             `yaml:"version"`
	Description  string             `yaml:"description,omitempty"`
	Inputs       []Input            `yaml:"inputs,omitempty"`
	Exports      []string           `yaml:"exports,omitempty"`
	AllowFailure bool               `yaml:"allow_failure,omitempty"`
	Docker       *tree.DockerOption `yaml:"docker,omitempty"`
	Script       string             `yaml:"script,omitempty"`
}

// Validate checks that a manifest has all required fields and valid semver.
func (p *Plugin) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !isValidPluginName(p.Name) {
		return fmt.Errorf("%w: name %q must be lowercase alphanumeric with hyphens", ErrValidation, p.Name)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: version is required for %s", ErrValidation, p.Name)
	}
	if _, err := ParseSemver(p.Version); err != nil {
		return fmt.Errorf("%w: invalid version %q: %v", ErrValidation, p.Version, err)
	}
	if p.Docker != nil && p.Docker.Image == "" {
		return fmt.Errorf("%w: docker image is required for %s", ErrValidation, p.Name)
	}
	seen := make(map[string]bool, len(p.Inputs))
	for _, in := range p.Inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: input name is required for %s", ErrValidation, p.Name)
		}
		if seen[in.Name] {
			return fmt.Errorf("%w: input %s declared twice in %s", ErrValidation, in.Name, p.Name)
		}
		seen[in.Name] = true
		switch in.Type {
		case "", InputString, InputInt, InputBool:
		default:
			return fmt.Errorf("%w: input %s has unknown type %q", ErrValidation, in.Name, in.Type)
		}
		if in.Default != "" {
			if err := in.check(in.Default); err != nil {
				return fmt.Errorf("%w: default of %s", err, in.Name)
			}
		}
	}
	return nil
}

// check validates value against the input type.
func (in Input) check(value string) error {
	var err error
	switch in.Type {
	case InputInt:
		_, err = strconv.Atoi(value)
	case InputBool:
		_, err = strconv.ParseBool(value)
	}
	if err != nil {
		return fmt.Errorf("%w: input %s expects %s, got %q", ErrValidation, in.Name, in.Type, value)
	}
	return nil
}

var pluginNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

func isValidPluginName(name string) bool {
	if len(name) < 2 {
		return len(name) == 1 && name[0] >= 'a' && name[0] <= 'z'
	}
	return pluginNameRe.MatchString(name)
}

// LoadManifest reads a plugin manifest from a YAML file.
func LoadManifest(path string) (*Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var p Plugin
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse manifest %s: %v", ErrValidation, path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Semver represents a parsed semantic version.
type Semver struct {
	Major int
	Minor int
	Patch int
}

func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

// ParseSemver parses a version string like "1.2.3" into a Semver.
func ParseSemver(v string) (Semver, error) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("expected major.minor.patch, got %q", v)
	}
	var out Semver
	for i, dst := range []*int{&out.Major, &out.Minor, &out.Patch} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid version segment %q", parts[i])
		}
		*dst = n
	}
	return out, nil
}
