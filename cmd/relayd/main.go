// Command relayd runs the chat relay: a WebSocket (and WebTransport) stream
// server routing messages and live drafts between connected users, with a
// REST surface for health, stats, and history.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"relay/internal/audit"
	"relay/internal/httpapi"
	"relay/internal/metrics"
	"relay/internal/routing"
	"relay/internal/session"
	"relay/internal/storage"
	"relay/internal/tlsconf"
	"relay/internal/transport/webtransport"
	"relay/internal/transport/ws"
)

func main() {
	addr := flag.String("addr", ":8443", "TLS listen address for the stream transports and REST API")
	apiAddr := flag.String("api-addr", "", "additional plain-HTTP listen address for the REST API (empty to disable)")
	dbPath := flag.String("db", "relay.db", "SQLite audit database path (empty to disable the audit log)")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	var auditLog *audit.Log
	if *dbPath != "" {
		var err error
		auditLog, err = audit.Open(*dbPath, log)
		if err != nil {
			log.Error("open audit log", "path", *dbPath, "err", err)
			os.Exit(1)
		}
	}

	store := storage.NewMemoryStore()
	opts := []routing.Option{routing.WithLogger(log)}
	if auditLog != nil {
		opts = append(opts, routing.WithAudit(auditLog.Record))
	}
	core := routing.NewCore(store, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	coreDone := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(coreDone)
	}()

	manager := session.NewManager(core, log)

	// Extract the hostname from the listen address for the TLS certificate.
	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := tlsconf.Generate(*certValidity, tlsHostname)
	if err != nil {
		log.Error("generate tls config", "err", err)
		os.Exit(1)
	}
	log.Info("tls certificate generated", "fingerprint", fingerprint)

	api := httpapi.New(core, store, auditLog)
	ws.NewHandler(manager, log).Register(api.Echo())

	wtServer := webtransport.NewServer(*addr, tlsConfig, api.Echo())
	webtransport.NewHandler(manager, wtServer, log).Register(api.Echo())

	go metrics.Run(ctx, core, 5*time.Second, log)

	if *apiAddr != "" {
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				log.Error("api server", "err", err)
			}
		}()
		log.Info("api listening", "addr", *apiAddr)
	}

	// WebTransport shares the listen address over UDP/QUIC.
	go func() {
		if err := wtServer.ListenAndServe(); err != nil {
			log.Info("webtransport server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = wtServer.Close()
	}()

	log.Info("relay listening", "addr", *addr)
	srv := &http.Server{
		Addr:              *addr,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       *idleTimeout,
	}
	if err := api.RunTLS(ctx, srv); err != nil {
		log.Error("server", "err", err)
		cancel()
	}

	<-coreDone
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			log.Error("close audit log", "err", err)
		}
	}
	log.Info("relay stopped")
}
