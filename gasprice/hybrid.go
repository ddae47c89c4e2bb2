package gasprice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	x402x "github.com/x402x/facilitator"
)

type priceTable map[x402x.Network]Quote

// Hybrid serves node prices from a cache refreshed in the background and
// falls back to the static price when the node is unavailable. Reads never
// take a lock.
type Hybrid struct {
	cfg     Config
	readers map[x402x.Network]PriceReader
	opts    options

	table   atomic.Pointer[priceTable]
	writeMu sync.Mutex
	group   singleflight.Group

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHybrid creates a hybrid oracle with an empty cache.
func NewHybrid(cfg Config, readers map[x402x.Network]PriceReader, opts ...Option) *Hybrid {
	h := &Hybrid{cfg: cfg, readers: readers, opts: buildOptions(opts)}
	empty := priceTable{}
	h.table.Store(&empty)
	return h
}

// Start refreshes every network once and then every UpdateInterval until
// Stop is called or ctx ends.
func (h *Hybrid) Start(ctx context.Context) error {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.started {
		return errors.New("gas price oracle already started")
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			h.refreshAll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (h *Hybrid) Stop() {
	h.lifeMu.Lock()
	cancel := h.cancel
	h.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

func (h *Hybrid) refreshAll(ctx context.Context) {
	for network := range h.cfg.Networks {
		if _, ok := h.readers[network]; !ok {
			continue
		}
		if _, err := h.refresh(ctx, network); err != nil && ctx.Err() == nil {
			h.opts.logger.Warn("Gas price refresh failed", "network", network, "err", err)
		}
	}
}

func (h *Hybrid) refresh(ctx context.Context, network x402x.Network) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RefreshTimeout)
	defer cancel()
	q, err := fetch(ctx, h.cfg, h.readers, network, h.opts.now)
	if err != nil {
		return Quote{}, err
	}
	h.store(q)
	return q, nil
}

// store publishes a new table containing q.
func (h *Hybrid) store(q Quote) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	old := *h.table.Load()
	next := make(priceTable, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[q.Network] = q
	h.table.Store(&next)
}

func (h *Hybrid) fresh(network x402x.Network, now time.Time) (Quote, bool) {
	q, ok := (*h.table.Load())[network]
	if !ok || now.Sub(q.FetchedAt) >= h.cfg.CacheTTL {
		return Quote{}, false
	}
	return q, true
}

// CurrentPrice returns the cached price, refreshing synchronously when it
// is missing or stale. A configured network always gets a price.
func (h *Hybrid) CurrentPrice(ctx context.Context, network x402x.Network) (Quote, error) {
	n, ok := h.cfg.Networks[network]
	if !ok {
		return Quote{}, networkNotConfigured(network)
	}

	q, err := h.currentPrice(ctx, network, n)
	if err != nil {
		return Quote{}, err
	}
	if h.opts.observe != nil {
		h.opts.observe(q)
	}
	return q, nil
}

func (h *Hybrid) currentPrice(ctx context.Context, network x402x.Network, n NetworkConfig) (Quote, error) {
	if q, ok := h.fresh(network, h.opts.now()); ok {
		q.Source = SourceCached
		return q, nil
	}
	if _, ok := h.readers[network]; !ok {
		return staticQuote(network, n, h.opts.now()), nil
	}

	ch := h.group.DoChan(string(network), func() (interface{}, error) {
		// detached so one caller's cancellation does not fail the others
		return h.refresh(context.Background(), network)
	})
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Quote), nil
		}
		h.opts.logger.Warn("Using static gas price", "network", network, "err", res.Err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return Quote{}, ctx.Err()
		}
		h.opts.logger.Warn("Using static gas price", "network", network, "err", ctx.Err())
	}
	return staticQuote(network, n, h.opts.now()), nil
}
