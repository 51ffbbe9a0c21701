package job

import (
	"slices"
	"strings"

	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// CmdType selects what a runner does with a command.
type CmdType string

const (
	CmdShell CmdType = "SHELL"
	CmdKill  CmdType = "KILL"
)

// CmdIn is the fully resolved instruction handed to a runner.
type CmdIn struct {
	ID          string        `json:"id"`
	Type        CmdType       `json:"type"`
	FlowID      string        `json:"flowId,omitempty"`
	JobID       string        `json:"jobId,omitempty"`
	BuildNumber int64         `json:"buildNumber,omitempty"`
	After       bool          `json:"after,omitempty"`
	NodePath    tree.NodePath `json:"nodePath,omitzero"`
	// Timeout in seconds.
	Timeout      int                `json:"timeout,omitempty"`
	Docker       *tree.DockerOption `json:"docker,omitempty"`
	Plugin       string             `json:"plugin,omitempty"`
	AllowFailure bool               `json:"allowFailure"`
	Scripts      []string           `json:"scripts,omitempty"`
	Inputs       vars.Vars          `json:"inputs"`
	EnvFilters   []string           `json:"envFilters,omitempty"`
}

// AddScript appends a non-empty script fragment.
func (c *CmdIn) AddScript(script string) {
	if strings.TrimSpace(script) == "" {
		return
	}
	c.Scripts = append(c.Scripts, script)
}

// AddEnvFilters adds variable names to export, ignoring duplicates.
func (c *CmdIn) AddEnvFilters(names ...string) {
	for _, n := range names {
		if n != "" && !slices.Contains(c.EnvFilters, n) {
			c.EnvFilters = append(c.EnvFilters, n)
		}
	}
}

// Script joins the fragments into one shell script.
func (c *CmdIn) Script() string {
	parts := make([]string, 0, len(c.Scripts))
	for _, s := range c.Scripts {
		parts = append(parts, strings.TrimRight(s, "\n"))
	}
	return strings.Join(parts, "\n")
}
