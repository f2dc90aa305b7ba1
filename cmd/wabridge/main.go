package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianlab/wabridge/pkg/app"
	"github.com/meridianlab/wabridge/pkg/config"
	"github.com/meridianlab/wabridge/pkg/logger"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "wabridge.yaml", "path to the configuration file")
	migrateIdentities := flag.Bool("migrate-identities", false, "re-key stored rows from device-linked to phone identities, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	session := protocol.Dial(cfg.Bridge.URL)

	container, err := app.NewContainer(cfg, session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	if *migrateIdentities {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		result, err := container.MigrateIdentities(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("migration complete: %d aliases, %d messages re-keyed, %d chats merged, %d contacts merged\n",
			result.AliasesFound, result.MessagesRekeyed, result.ChatsMerged, result.ContactsMerged)
		container.Stop()
		return
	}

	container.Start()

	// Handlers are attached before the first dial so no events are missed.
	sessionCtx, stopSession := context.WithCancel(context.Background())
	go session.Run(sessionCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.InfoC("main", "Shutdown signal received")
	stopSession()
	container.Stop()
}
