package spam

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-fedchat-server/internal/logging"
	"github.com/kstaniek/go-fedchat-server/internal/metrics"
)

// Checker is the consumed spam-screening contract. Both predicates may
// take arbitrarily long; Screen bounds each call independently.
// Implementations must be side-effect free from the server's perspective.
type Checker interface {
	IsIPSpammer(ctx context.Context, ip netip.Addr) (bool, error)
	IsUserSpammer(ctx context.Context, name string) (bool, error)
}

// CheckTimeout bounds each individual predicate call.
const CheckTimeout = 2 * time.Second

// Screen runs both predicates in parallel and reports whether registration
// may proceed. A timeout or error on either branch denies registration; it
// is not a fault. A predicate that ignores its context is abandoned at the
// deadline (its goroutine is left to finish on its own).
func Screen(ctx context.Context, c Checker, ip netip.Addr, name string) bool {
	var ipSpam, userSpam bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := bounded(gctx, func(cctx context.Context) (bool, error) {
			return c.IsIPSpammer(cctx, ip)
		})
		ipSpam = v
		return err
	})
	g.Go(func() error {
		v, err := bounded(gctx, func(cctx context.Context) (bool, error) {
			return c.IsUserSpammer(cctx, name)
		})
		userSpam = v
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.IncError(metrics.ErrSpamCheck)
		logging.L().Warn("spam_check_failed", "error", err)
		return false
	}
	return !ipSpam && !userSpam
}

func bounded(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	type result struct {
		spam bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return false, fmt.Errorf("spam check: %w", res.err)
		}
		return res.spam, nil
	case <-cctx.Done():
		return false, fmt.Errorf("spam check: %w", cctx.Err())
	}
}
