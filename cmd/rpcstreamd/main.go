// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command rpcstreamd serves the Numbers demonstration service over
// websockets, streaming its results with flow control.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/rpcstream/rpc/hub"
	"github.com/juju/rpcstream/rpc/jsoncodec"
)

var logger = loggo.GetLogger("rpcstreamd")

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rpcstreamd: %v\n", err)
		os.Exit(1)
	}
}

type commandLineArgs struct {
	addr         string
	settingsPath string
	logLevel     loggo.Level
}

func parseArgs(args []string) (commandLineArgs, error) {
	flags := gnuflag.NewFlagSet("rpcstreamd", gnuflag.ContinueOnError)
	var (
		a        commandLineArgs
		rawLevel string
	)
	flags.StringVar(&a.addr, "addr", ":17071", "address to listen on")
	flags.StringVar(&a.settingsPath, "settings", "", "path of a YAML file holding the stream settings")
	flags.StringVar(&rawLevel, "log-level", "INFO", "log level to use (TRACE/DEBUG/INFO/etc)")
	if err := flags.Parse(true, args); err != nil {
		return commandLineArgs{}, errors.Trace(err)
	}
	if extra := flags.Args(); len(extra) > 0 {
		return commandLineArgs{}, errors.Errorf("unrecognized args: %q", extra)
	}
	level, ok := loggo.ParseLevel(rawLevel)
	if !ok {
		return commandLineArgs{}, errors.NotValidf("log level %q", rawLevel)
	}
	a.logLevel = level
	return a, nil
}

func setupLogging(level loggo.Level) error {
	return loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", level.String()))
}

func loadSettings(path string) (hub.Settings, error) {
	if path == "" {
		return hub.DefaultSettings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return hub.Settings{}, errors.Annotate(err, "reading settings")
	}
	settings, err := hub.ParseSettings(data)
	return settings, errors.Annotatef(err, "in %s", path)
}

func run(args []string) error {
	a, err := parseArgs(args)
	if err != nil {
		return errors.Trace(err)
	}
	if err := setupLogging(a.logLevel); err != nil {
		return errors.Annotate(err, "setting up logging")
	}
	settings, err := loadSettings(a.settingsPath)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	h, err := newHub(settings, clock.WallClock, registry)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := worker.Stop(h); err != nil {
			logger.Errorf("stopping hub: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/rpc", serveWebsocket(h))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	logger.Infof("listening on %s", a.addr)

	select {
	case err := <-errs:
		return errors.Annotate(err, "serving")
	case <-ctx.Done():
	}
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Trace(srv.Shutdown(shutdownCtx))
}

// newHub returns a hub serving the Numbers service.
func newHub(settings hub.Settings, clk clock.Clock, registerer prometheus.Registerer) (*hub.Hub, error) {
	inbound := &numbersHandler{logger: logger}
	h, err := hub.NewHub(hub.Config{
		HostID:               uuid.New(),
		Settings:             settings,
		Clock:                clk,
		Logger:               loggo.GetLogger("rpcstreamd.hub"),
		Inbound:              inbound,
		PrometheusRegisterer: registerer,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	inbound.hub = h
	if _, err := registerNumbers(h.Registry()); err != nil {
		_ = worker.Stop(h)
		return nil, errors.Trace(err)
	}
	return h, nil
}

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebsocket connects every websocket client to h. The handler
// returns once the connection is closed.
func serveWebsocket(h *hub.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocketUpgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Errorf("problem initiating websocket: %v", err)
			return
		}
		codec := jsoncodec.NewWebsocket(ws)
		conn, err := h.Connect(req.RemoteAddr, codec)
		if err != nil {
			logger.Errorf("connecting %s: %v", req.RemoteAddr, err)
			_ = codec.Close()
			return
		}
		<-conn.Dead()
	})
}
