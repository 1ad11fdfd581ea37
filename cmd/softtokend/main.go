// Command softtokend runs a connector daemon backed by a software
// token. Hosts talk to it over the same HTTP interface a hardware
// connector exposes, so it is a drop-in stand-in for development and
// integration testing.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cardkit/ykauth/softtoken"
)

func main() {
	addr := flag.String("listen", ":12345", "Daemon listen address")
	dbPath := flag.String("db", "", "SQLite database path; in-memory state if empty")
	serial := flag.Uint("serial", 1, "Device serial number")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store softtoken.Store
	if *dbPath != "" {
		var err error
		store, err = softtoken.NewSQLiteStore(*dbPath, softtoken.FactoryKey(), softtoken.DefaultRetries)
		if err != nil {
			log.Error("open store", "path", *dbPath, "error", err)
			os.Exit(1)
		}
		log.Info("using SQLite store", "path", *dbPath)
	} else {
		store = softtoken.NewMemStore(softtoken.FactoryKey(), softtoken.DefaultRetries)
		log.Info("using in-memory store; state is lost on exit")
	}
	defer store.Close() //nolint:errcheck

	token := softtoken.New(store,
		softtoken.WithSerial(uint32(*serial)),
		softtoken.WithLogger(log),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connector/api", func(w http.ResponseWriter, r *http.Request) {
		command, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read command", http.StatusBadRequest)
			return
		}

		response, err := token.SendCommand(r.Context(), command)
		if err != nil {
			log.Error("process command", "error", err)
			http.Error(w, "process command", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(response)
	})

	server := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("connector daemon listening", "addr", *addr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("serve", "error", err)
		os.Exit(1)
	}
}
