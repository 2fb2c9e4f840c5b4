package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Version is stamped by the release build via -ldflags.
var Version = "dev"

func version() {
	fmt.Println("wraithd", Version)
}

func help() {
	fmt.Fprintf(os.Stderr, `wraithd - peer-to-peer secure transfer daemon

Usage:
  wraithd [flags]

Flags:
%s
Environment:
  WRAITH_LOG        per-tag log levels, e.g. "info,ice=debug,dht=warn"
  WRAITH_*          configuration overrides, e.g. WRAITH_NETWORK_DHT_LISTEN

`, flag.CommandLine.FlagUsages())
}
