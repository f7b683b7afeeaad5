package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"baatcheet/config"
	"baatcheet/relay"
)

func main() {
	cfgFile := flag.String("f", "", "path to the relay TOML config (default $BAATCHEET_CONFIG)")
	flag.Parse()

	cfg, err := config.LoadRelay(*cfgFile)
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	r, err := relay.New(cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	fmt.Printf("Relay ID:        %s\n", r.RelayID())
	fmt.Printf("Listening On:    %s\n", r.Addr())
	fmt.Printf("Data Directory:  %s\n", cfg.Server.DataDir)
	fmt.Printf("Database File:   %s\n", r.DatabasePath())
	fmt.Printf("Token TTL:       %d minutes\n", cfg.Auth.TokenTTLMinutes)
	fmt.Printf("Media:           %s\n", enabled(cfg.Media.Enable))
	fmt.Printf("Push:            %s\n", enabled(cfg.Push.Enable))
	fmt.Printf("Discovery:       %s\n", enabled(cfg.Discovery.Enable))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			r.RotateLog()
		}
	}()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case <-r.Halted():
	}
	fmt.Println("Status:          shutting down")
	r.Shutdown()
	r.Wait()
	if err := r.Err(); err != nil {
		log.Fatalf("relay stopped: %v", err)
	}
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
