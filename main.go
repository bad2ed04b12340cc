package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnsrelay/config"
	"dnsrelay/server"
	"dnsrelay/stats"
	"dnsrelay/store"
	"dnsrelay/web"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	statsCollector := stats.NewStats()
	records := store.New(cfg.CacheFile, logger)

	dnsServer := server.NewServer(cfg, records, statsCollector, logger)
	if err := dnsServer.Start(); err != nil {
		logger.Fatal("failed to start DNS server", zap.Error(err))
	}

	var webServer *web.Server
	if cfg.WebPort != 0 {
		webServer = web.NewServer(cfg.WebPort, statsCollector, records, logger)
		go func() {
			if err := webServer.Start(); err != nil {
				logger.Error("web dashboard stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("dnsrelay started",
		zap.String("listen", dnsServer.Addr().String()),
		zap.String("upstream", cfg.UpstreamAddress()),
		zap.String("cache_file", cfg.CacheFile),
		zap.Bool("redirect_only", cfg.RedirectOnly))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-dnsServer.Err():
		logger.Error("DNS server failed", zap.Error(err))
		exitCode = 1
	}

	if webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := webServer.Shutdown(ctx); err != nil {
			logger.Warn("web dashboard shutdown", zap.Error(err))
		}
		cancel()
	}
	dnsServer.Stop()
	logger.Info("server stopped")

	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}
