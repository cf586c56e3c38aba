package main

import (
	"log/slog"

	"github.com/kstaniek/go-fedchat-server/internal/peers"
)

func initPeerHub(cfg *appConfig, l *slog.Logger) *peers.Hub {
	h := peers.New()
	h.OutBufSize = cfg.peerBuffer
	switch cfg.peerPolicy {
	case "drop":
		h.Policy = peers.PolicyDrop
	case "kick":
		h.Policy = peers.PolicyKick
	default:
		l.Warn("unknown_peer_policy", "policy", cfg.peerPolicy, "used", "drop")
		h.Policy = peers.PolicyDrop
	}
	policyStr := map[peers.BackpressurePolicy]string{peers.PolicyDrop: "drop", peers.PolicyKick: "kick"}[h.Policy]
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("peer_hub_config", "policy", policyStr, "buffer", h.OutBufSize)
	return h
}
