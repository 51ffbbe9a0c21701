package runner

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// exportMarker separates command output from the environment dump appended
// by wrapScript.
func exportMarker(cmdID string) string {
	return "::pipeline-env::" + cmdID
}

// wrapScript appends an exit trap that prints the marker and the exported
// environment, preserving the script's exit status. The script runs with
// errexit so a failing line fails the command.
func wrapScript(script, marker string) string {
	return fmt.Sprintf("trap '__rc=$?; echo; echo %q; env; exit $__rc' EXIT\nset -e\n%s\n", marker, script)
}

// exportCapture forwards output to out until the marker line and collects
// KEY=VALUE lines after it.
type exportCapture struct {
	mu     sync.Mutex
	out    io.Writer
	marker string
	seen   bool
	// pending holds an incomplete line while the marker may still arrive.
	pending bytes.Buffer
	env     []string
}

func newExportCapture(out io.Writer, marker string) *exportCapture {
	return &exportCapture{out: out, marker: marker}
}

func (c *exportCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending.Write(p)
	for {
		i := bytes.IndexByte(c.pending.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := c.pending.Next(i + 1)
		if err := c.line(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (c *exportCapture) line(line []byte) error {
	text := strings.TrimRight(string(line), "\r\n")
	if c.seen {
		c.env = append(c.env, text)
		return nil
	}
	if text == c.marker {
		c.seen = true
		return nil
	}
	_, err := c.out.Write(line)
	return err
}

// Outputs returns the dumped variables named in filters. Values spanning
// several lines are not supported.
func (c *exportCapture) Outputs(filters []string) vars.Vars {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen && c.pending.Len() > 0 {
		c.env = append(c.env, strings.TrimRight(c.pending.String(), "\r\n"))
		c.pending.Reset()
	}

	var out vars.Vars
	if len(filters) == 0 {
		return out
	}
	wanted := make(map[string]bool, len(filters))
	for _, f := range filters {
		wanted[f] = true
	}
	for _, kv := range c.env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && wanted[k] {
			out.Put(k, v)
		}
	}
	return out
}

// Flush writes any buffered output that precedes the marker.
func (c *exportCapture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen && c.pending.Len() > 0 {
		_, _ = c.out.Write(c.pending.Bytes())
		c.pending.Reset()
	}
}
