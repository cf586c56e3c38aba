package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"registrations", snap.Registrations,
					"delivered", snap.Delivered,
					"deferred", snap.Deferred,
					"transferred", snap.Transferred,
					"mailbox_full", snap.MailboxFull,
					"announces", snap.Announces,
					"peer_rx", snap.PeerRx,
					"peer_tx", snap.PeerTx,
					"peer_drops", snap.PeerDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
