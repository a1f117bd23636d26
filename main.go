package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"parloir/internal/core"
	"parloir/internal/httpapi"
	"parloir/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	host := flag.String("addr", "", "TCP listen host (empty for all interfaces)")
	port := flag.Int("port", 5050, "TCP listen port")
	dbPath := flag.String("db", "parloir.db", "SQLite database path")
	defaultRoom := flag.String("default-room", "general", "room auto-joined at signup")
	httpAddr := flag.String("http", "", "HTTP/websocket listen address (empty to disable)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	if *port < 0 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %d\n", *port)
		os.Exit(2)
	}
	addr := fmt.Sprintf("%s:%d", *host, *port)

	slog.Info("starting server", "version", Version, "addr", addr, "db", *dbPath)

	st, err := store.New(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}

	reg, err := core.NewRegistry(st, *defaultRoom)
	if err != nil {
		slog.Error("initialize registry", "err", err)
		os.Exit(1)
	}

	go func() {
		if err := reg.Run(addr); err != nil {
			slog.Error("tcp listener", "err", err)
			os.Exit(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *httpAddr != "" {
		api := httpapi.New(reg)
		go func() {
			if err := api.Run(ctx, *httpAddr); err != nil {
				slog.Error("http server", "err", err)
			}
		}()
		slog.Info("http listening", "addr", *httpAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
		reg.Close()
		os.Exit(0)
	}()

	// The operator console owns the foreground; it returns on shutdown or
	// when stdin closes.
	NewConsole(reg, os.Stdin, os.Stdout).Run()

	cancel()
	reg.Close()
}
