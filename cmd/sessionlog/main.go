package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/coffersTech/sessionlog/internal/bridge"
	"github.com/coffersTech/sessionlog/internal/config"
	"github.com/coffersTech/sessionlog/internal/logstore"
	"github.com/coffersTech/sessionlog/internal/server"
	"github.com/coffersTech/sessionlog/internal/syncer"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println("SessionLog collector starting...")

	// 1. Open the log store
	store, err := logstore.Open(cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to open log directory: %v", err)
	}
	log.Printf("Log store ready. Dir: %s", store.Dir())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Start the device sync loop
	var syncLoop *syncer.Syncer
	if cfg.Sync.Enabled {
		adb := bridge.NewADB(cfg.Sync.ADBPath, cfg.Sync.Serial, cfg.Sync.CommandTimeout)
		syncLoop = syncer.New(adb, store, cfg.Sync.RemoteDir, cfg.Sync.Interval)
		syncLoop.Start(ctx)
	} else {
		log.Println("Device sync disabled.")
	}

	// 3. Start HTTP server
	srv := server.NewIngestServer(store, server.Options{
		WebDir:          cfg.WebDir,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		UploadTokenHash: cfg.UploadTokenHash,
	})
	if cfg.UploadTokenHash != "" {
		log.Println("Upload authentication enabled.")
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		errc <- srv.Start(cfg.ListenAddr)
	}()

	// 4. Graceful shutdown
	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal. Shutting down...")
	case err := <-errc:
		if err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if syncLoop != nil {
		syncLoop.Stop()
	}

	log.Println("SessionLog exited gracefully.")
}

func loadConfig(args []string) (config.Config, error) {
	cfg := config.Default()

	// The config file is applied first so flags can override it.
	var configPath string
	pre := pflag.NewFlagSet("sessionlog", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&configPath, "config", "", "")
	pre.Parse(args)
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return cfg, err
		}
	}

	flagSet := pflag.NewFlagSet("sessionlog", pflag.ContinueOnError)
	flagSet.String("config", configPath, "path to a YAML config file")
	cfg.BindFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func hashToken(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sessionlog hash-token <token>")
	}
	hash, err := server.HashToken(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
