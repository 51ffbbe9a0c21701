package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/pipeline-engine/config"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/tree/yml"
)

func runCompile(args []string) error {
	return compileCmd(args, os.Stdout)
}

func compileCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	file := fs.String("f", "", "Pipeline definition file")
	name := fs.String("name", "", "Flow name (default: file name without extension)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: flowctl compile -f <flow.yml> [options]\n\nCompile a pipeline definition and print the normalized YAML.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := loadFlow(*file, *name)
	if err != nil {
		return err
	}
	text, err := yml.Parse(flow)
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, text)
	return err
}

func runOrder(args []string) error {
	return orderCmd(args, os.Stdout)
}

func orderCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	file := fs.String("f", "", "Pipeline definition file")
	name := fs.String("name", "", "Flow name (default: file name without extension)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: flowctl order -f <flow.yml> [options]\n\nPrint the flattened execution order of a pipeline.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := loadFlow(*file, *name)
	if err != nil {
		return err
	}
	for _, node := range tree.NewNodeTree(flow).Ordered() {
		kind := "step"
		if node.IsAfter() {
			kind = "after"
		}
		if _, err := fmt.Fprintf(out, "%-5s  %s\n", kind, node.Path()); err != nil {
			return err
		}
	}
	return nil
}

// loadFlow compiles the definition at path. An empty name uses the file name.
func loadFlow(path, name string) (*tree.FlowNode, error) {
	if path == "" {
		return nil, fmt.Errorf("definition file is required (-f)")
	}
	if name == "" {
		return config.LoadDefinition(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	flow, err := yml.Load(strings.TrimSpace(name), string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return flow, nil
}
