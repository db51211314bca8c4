// Command relaymirror runs the WHIP-to-N-mirrors relay: a WHIP ingest
// endpoint, a fan-out hub, and an HTTP control surface for creating and
// tearing down mirror sessions against an external chat service (§6). Its
// shape follows the teacher's cmd/multi-relay/main.go: parse flags, wire
// components bottom-up, start the HTTP server, then block on an OS signal
// for graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/relaymirror/relaymirror/pkg/api"
	"github.com/relaymirror/relaymirror/pkg/config"
	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/logger"
	"github.com/relaymirror/relaymirror/pkg/supervisor"
)

// version is overridden at build time via -ldflags for --version.
var version = "dev"

// bindError marks an error that occurred trying to bind the HTTP listener,
// so main can map it onto exit code 2 per §6 instead of the generic 1.
type bindError struct{ err error }

func (b *bindError) Error() string { return b.err.Error() }
func (b *bindError) Unwrap() error { return b.err }

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var be *bindError
		if errors.As(err, &be) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out, errOut *os.File) error {
	fs := flag.NewFlagSet("relaymirror", flag.ContinueOnError)
	fs.SetOutput(errOut)

	cfg, err := config.Parse(fs, args, out)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	if cfg.Completions != "" {
		script, err := config.Completion(cfg.Completions)
		if err != nil {
			return err
		}
		fmt.Fprint(out, script)
		return nil
	}

	if cfg.Version {
		fmt.Fprintln(out, "relaymirror "+version)
		return nil
	}

	log, err := logger.New(&logger.Config{Level: cfg.Verbosity, Format: logger.FormatText})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	log.Info().Str("version", version).Msg("starting relaymirror")

	hub := fanout.New()
	registry := supervisor.New(hub, log.Logger)
	server := api.NewServer(registry, cfg.GatewayURL, log.Logger)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	if err := server.Start(addr); err != nil {
		return &bindError{err: fmt.Errorf("start HTTP server: %w", err)}
	}
	log.Info().Str("address", addr).Msg("relaymirror listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error stopping HTTP server")
	}
	if err := registry.Shutdown(); err != nil {
		log.Error().Err(err).Msg("error during mirror shutdown")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
