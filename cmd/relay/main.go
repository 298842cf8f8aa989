package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0remac/station-webrtc/config"
	"github.com/n0remac/station-webrtc/websocket"
)

func main() {
	// relay token <id> [ttl] prints a participant token and exits.
	if len(os.Args) > 2 && os.Args[1] == "token" {
		issue(os.Args[2:])
		return
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Hub.Secret == "" {
		log.Println("No hub secret set; any participant id may join")
	}

	hub := websocket.NewHub(websocket.HubConfig{
		Secret:        cfg.Hub.Secret,
		LoggerFactory: cfg.LoggerFactory(),
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	srv := &http.Server{Addr: cfg.Hub.Addr, Handler: websocket.NewRouter(hub)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Println("Relay hub started on", cfg.Hub.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func issue(args []string) {
	secret := os.Getenv("STATION_HUB_SECRET")
	if secret == "" {
		log.Fatal("STATION_HUB_SECRET must be set to issue tokens")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			log.Fatalf("bad ttl %q: %v", args[1], err)
		}
		ttl = d
	}
	token, err := websocket.IssueToken(secret, args[0], ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
