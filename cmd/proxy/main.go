// Command proxy runs the caching HTTP/1.0 forward proxy.
//
// Usage: proxy <port>
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dtzeng/ics-f13/cache"
	"github.com/dtzeng/ics-f13/proxy"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := proxy.NewServer(cache.MaxCacheSize, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	}()

	if err := srv.ListenAndServe(net.JoinHostPort("", os.Args[1])); err != nil {
		logger.Error("proxy exited", "err", err)
		os.Exit(1)
	}
}
