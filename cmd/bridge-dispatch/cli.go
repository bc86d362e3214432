package main

import (
	"flag"
	"strings"
)

// Options holds CLI options for the dispatch demo process.
type Options struct {
	ConfigPath string
	Tasks      int
	Hosts      []string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("bridge-dispatch", flag.ExitOnError)
	var opts Options
	var hosts string
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.IntVar(&opts.Tasks, "tasks", 3, "number of demo tasks to submit")
	fs.StringVar(&hosts, "hosts", "", "comma-separated placement preference for the demo tasks")
	_ = fs.Parse(args)
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			opts.Hosts = append(opts.Hosts, h)
		}
	}
	return opts
}
