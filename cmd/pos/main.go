package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"naladrink/pos/internal/cart"
	"naladrink/pos/internal/command"
	"naladrink/pos/internal/config"
	"naladrink/pos/internal/httpapi"
	"naladrink/pos/internal/reconcile"
	"naladrink/pos/internal/remote"
	"naladrink/pos/internal/remote/memory"
	pgremote "naladrink/pos/internal/remote/postgres"
	"naladrink/pos/internal/session"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokenTTL := time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute

	var client remote.Client
	closers := make([]func() error, 0, 1)

	if cfg.DatabaseURL != "" {
		pg, err := pgremote.New(ctx, pgremote.Config{
			DatabaseURL:   cfg.DatabaseURL,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			AuthSecret:    cfg.AuthSecret,
			TokenTTL:      tokenTTL,
		})
		if err != nil {
			log.Fatalf("remote store unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		client = pg
		closers = append(closers, pg.Close)
		log.Println("remote store: postgres")
	} else {
		client = memory.NewSeeded(cfg.AuthSecret, tokenTTL)
		log.Println("remote store: in-memory (seeded)")
	}

	caches := reconcile.NewCaches()
	rec := reconcile.New(client, caches)
	gate := session.NewGate(client, rec)
	commands := command.New(client)
	staged := cart.New()

	// Resume a previously established session, if the store still holds one.
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := gate.Start(startCtx); err != nil {
		log.Printf("session resume failed, starting signed out: %v", err)
	}
	startCancel()

	api := httpapi.New(gate, caches, staged, commands, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS terminal listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	gate.Close()
	rec.Stop()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("terminal stopped")
}
