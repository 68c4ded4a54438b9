package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"hosterbench/config"
	"hosterbench/pipeline"
)

const usage = `usage: hosterbench <command> -config pipeline.yaml

commands:
  run         run the whole pipeline (extract through merge)
  extract     step 1: DNSDB JSONL.gz to domain|ip pair files
  enrich      step 2: attribute pairs to hosting organizations
  slds        step 3: count distinct registrable domains per organization
  capacity    step 4: estimate address-space capacity per organization
  ingest      step 5: ingest abuse feeds and export per-hoster counts
  merge       step 6: merge feed counts with capacity metrics
  show        print the effective configuration
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("hosterbench ")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	cfgPath := fs.String("config", "pipeline.yaml", "path to pipeline config")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if command == "show" {
		cfg.Print()
		return
	}
	if command == "run" {
		if err := pipeline.Run(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	env, err := pipeline.NewEnv(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var run func() error
	switch command {
	case "extract":
		run = env.Extract
	case "enrich":
		run = env.Enrich
	case "slds":
		run = env.CountSLDs
	case "capacity":
		run = env.Capacity
	case "ingest":
		run = env.Ingest
	case "merge":
		run = env.Merge
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
