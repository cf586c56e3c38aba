package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
	"github.com/kstaniek/go-fedchat-server/internal/engine"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
	"github.com/kstaniek/go-fedchat-server/internal/server"
	"github.com/kstaniek/go-fedchat-server/internal/spam"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, peers_init.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("chat-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	hub := initPeerHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	serverID := chat.NewServerId()
	if cfg.serverID != "" {
		id, err := chat.ParseServerId(cfg.serverID)
		if err != nil {
			l.Error("server_id_parse_error", "error", err)
			os.Exit(2)
		}
		serverID = id
	}

	var checker spam.Checker = spam.AllowAll{}
	if cfg.spamIPDeny != "" || cfg.spamUserDeny != "" {
		checker = spam.NewDenylist(splitList(cfg.spamIPDeny), splitList(cfg.spamUserDeny))
	}

	core := engine.New(
		engine.WithServerId(serverID),
		engine.WithChecker(checker),
		engine.WithMailboxSize(cfg.mailboxSize),
		engine.WithLogger(l),
	)
	l.Info("server_identity", "server_id", serverID)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithPeerListenAddr(cfg.peerListenAddr),
		server.WithEngine(core),
		server.WithSink(hub),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	if cfg.peerListenAddr != "" {
		go func() {
			if err := srv.ServePeers(ctx, hub); err != nil {
				l.Error("peer_server_error", "error", err)
				cancel()
			}
		}()
	}
	for _, addr := range cfg.peerDial {
		srv.DialPeer(ctx, addr, hub)
	}

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, serverID.String(), portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.handshakeTO)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}
