package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RicherTunes/ai-proxy-sub008/internal/app"
	"github.com/RicherTunes/ai-proxy-sub008/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes (§6 "Exit codes"): 0 normal, 1 config error, 2 bind error.
const (
	exitOK        = 0
	exitConfig    = 1
	exitBindError = 2
)

// runHealthCheck performs an HTTP health check against the given address.
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/health", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("ZGATE_LISTEN_ADDR")
		if addr == "" {
			addr = ":8089"
		}
		if err := runHealthCheck(addr); err != nil {
			return exitConfig
		}
		return exitOK
	}

	log.Printf("zgate version %s", version)
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		return exitConfig
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Printf("server init error: %v", err)
		return exitConfig
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Printf("listen error: %v", err)
		return exitBindError
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // allow long streaming responses
	}
	srv.SetHTTPServer(httpServer)

	go func() {
		log.Printf("zgate listening on %s", cfg.ListenAddr)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("serve error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down (draining in-flight requests)...")

	if err := srv.Close(); err != nil {
		log.Printf("server close error: %v", err)
	}
	log.Printf("shutdown complete")
	return exitOK
}
