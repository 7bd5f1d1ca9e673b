// Package main runs the anchorctl operator CLI.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	anchorctlcmd "github.com/provara/anchor/internal/cmd/anchorctl"
	"github.com/provara/anchor/internal/platform/config"
)

func main() {
	cfg, args, err := anchorctlcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := anchorctlcmd.Run(ctx, cfg, args, os.Stdout); err != nil {
		config.Exitf("anchorctl: %v", err)
	}
}
