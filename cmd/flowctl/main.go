package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"compile": runCompile,
	"order":   runOrder,
	"run":     runRun,
	"task":    runTask,
	"serve":   runServe,
}

func usage() {
	fmt.Fprintf(os.Stderr, `flowctl - Pipeline Engine CLI (version %s)

Usage:
  flowctl <command> [options]

Commands:
  compile    Compile a pipeline definition and print the normalized YAML
  order      Print the execution order of a pipeline definition
  run        Run a pipeline definition locally
  task       Run a single local container task
  serve      Run the scheduler, definition watcher, task pool and metrics server

Run 'flowctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
