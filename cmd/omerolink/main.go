//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package main is omerolink, a command line front end to the OMERO client.
//
// Usage:
//
//	omerolink acquire -config omero.yaml 42 43
//	omerolink links   -config omero.yaml -image 42 -annotation 1001
//	omerolink serve   -config omero.yaml
//	omerolink batch   -config omero.yaml -workers 8 1 2 3 4
//
// Every subcommand talks to the server through a JSON/HTTP gateway bridge
// (see cmd/omerofake for a local one).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trpc.group/trpc-go/trpc-omero-go/log"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{name: "acquire", summary: "print a canonical OME-TIFF link for each image id", run: runAcquire},
	{name: "links", summary: "print download and detail links", run: runLinks},
	{name: "serve", summary: "serve links over HTTP", run: runServe},
	{name: "batch", summary: "acquire canonical links for many images in parallel", run: runBatch},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, args := os.Args[1], os.Args[2:]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		if err := cmd.run(ctx, args); err != nil {
			log.Errorf("omerolink %s: %v", name, err)
			stop()
			os.Exit(1)
		}
		return
	}
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: omerolink <command> [flags] [args]")
	fmt.Fprintln(os.Stderr)
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", cmd.name, cmd.summary)
	}
}

// newFlagSet returns a flag set carrying the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("omerolink "+name, flag.ExitOnError)
	path := fs.String("config", "omero.yaml", "Path to the YAML configuration")
	return fs, path
}
