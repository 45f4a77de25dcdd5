// Package main starts the sync realtime backbone and handles termination.
//
// The process hosts the WebSocket and SSE rails over the Event Bus, Command
// Engine, and Presence Tracker so collaborating product surfaces share one
// ordered stream of record per scope.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	synccmd "github.com/driftwire/driftwire/internal/cmd/sync"
)

func main() {
	cfg, err := synccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[SYNC] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
