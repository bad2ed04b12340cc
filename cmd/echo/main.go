package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dnsrelay/echo"

	"go.uber.org/zap"
)

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", echo.DefaultAddr, "address to listen on or dial")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch *mode {
	case "server":
		srv := echo.NewServer(*addr, logger)
		if err := srv.Start(); err != nil {
			logger.Fatal("failed to start echo server", zap.Error(err))
		}
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		srv.Stop()
	case "client":
		if err := echo.RunClient(*addr, os.Stdin, os.Stdout); err != nil {
			logger.Error("reading input", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
