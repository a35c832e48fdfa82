package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/vpb/internal/agent"
	"github.com/3cpo-dev/vpb/internal/telemetry"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	token := flag.String("token", os.Getenv("VPB_AGENT_TOKEN"), "bearer token required on /v0/exec")
	shell := flag.String("shell", "/bin/sh", "shell used to run commands")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics and /health on this address")
	tlsCert := flag.String("tls-cert", "", "server certificate")
	tlsKey := flag.String("tls-key", "", "server key")
	clientCA := flag.String("client-ca", "", "CA bundle for client certificates")
	requireClientCert := flag.Bool("require-client-cert", false, "reject clients without a verified certificate")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if l, err := zerolog.ParseLevel(*level); err == nil && l != zerolog.NoLevel {
		zerolog.SetGlobalLevel(l)
	}

	metrics := telemetry.New()
	srv := &agent.Server{Version: version, Token: *token, Shell: *shell, Metrics: metrics}
	tlsCfg := agent.TLSConfig{ServerCert: *tlsCert, ServerKey: *tlsKey, ClientCACert: *clientCA, RequireAuth: *requireClientCert}

	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(*addr, tlsCfg)
		} else {
			err = srv.ListenAndServe(*addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", *addr).Msg("agent stopped")
		}
	}()
	log.Info().Str("addr", *addr).Bool("tls", tlsCfg.Enabled()).Msg("vpb-agent listening")

	var monitor *telemetry.MonitoringServer
	if *metricsAddr != "" {
		monitor = telemetry.NewMonitoringServer(*metricsAddr, metrics)
		monitor.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
		go func() {
			if err := monitor.Start(); err != nil {
				log.Error().Err(err).Msg("monitoring server stopped")
			}
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info().Str("signal", sig.String()).Msg("vpb-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if monitor != nil {
		_ = monitor.Shutdown(ctx)
	}
	_ = srv.Shutdown(ctx)
}
