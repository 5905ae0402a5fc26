// Package main for the imgcrawld process executable.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
)

var configPath = flag.String("config", "", "path to the YAML config file (defaults applied if empty)")

// NOTE: set by ldflags.
var (
	version string
	build   string
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	defer glog.Flush()

	glog.Infof("imgcrawld %s (build %s) starting", version, build)
	return Run(*configPath)
}
