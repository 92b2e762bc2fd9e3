// clinscore - Data-driven clinical score evaluation.
// Copyright (c) 2025 opensource.clinical
// Licensed under the Apache License 2.0

package main

import (
	"errors"
	"fmt"
	"os"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
