// Package main runs the questctl operator CLI.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	questctlcmd "github.com/louisbranch/questgate/internal/cmd/questctl"
	entrypoint "github.com/louisbranch/questgate/internal/platform/cmd"
	"github.com/louisbranch/questgate/internal/platform/config"
)

func main() {
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceQuestctl))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := questctlcmd.Execute(ctx, os.Stdout, os.Args[1:])
	stop()
	if err != nil {
		config.Exitf("questctl: %v", err)
	}
}
