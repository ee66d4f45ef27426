package feed

import (
	"context"
	"time"

	"tradeledger/internal/config"
	"tradeledger/internal/pricecache"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TickHandler receives each parsed tick; the poller does not care what
// happens downstream.
type TickHandler func(tick pricecache.PriceTick)

// Poller turns the upstream quote endpoint into a stream of PriceTicks for
// the configured symbols. One poller per process is the single inbound
// price path; nothing else feeds the cache.
type Poller struct {
	logger   *zap.Logger
	client   ClientInterface
	symbols  map[string]struct{}
	interval time.Duration
	handler  TickHandler
	seq      uint64
}

// NewPoller creates a poller for the configured symbols.
func NewPoller(logger *zap.Logger, cfg *config.Feed, client ClientInterface, handler TickHandler) *Poller {
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = struct{}{}
	}
	interval := time.Duration(cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		logger:   logger.Named("feed"),
		client:   client,
		symbols:  symbols,
		interval: interval,
		handler:  handler,
	}
}

// Run polls until the context is cancelled. An immediate first poll warms
// the cache before the first ticker interval elapses.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting feed poller",
		zap.Duration("interval", p.interval), zap.Int("symbols", len(p.symbols)))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping feed poller...")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches one batch of quotes and hands the parseable ones downstream.
func (p *Poller) poll(ctx context.Context) {
	quotes, err := p.client.FetchQuotes(ctx)
	if err != nil {
		p.logger.Error("Quote fetch failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, q := range quotes {
		if _, ok := p.symbols[q.Symbol]; !ok {
			continue
		}
		price, err := decimal.NewFromString(q.Price)
		if err != nil {
			p.logger.Warn("Discarding unparseable quote",
				zap.String("symbol", q.Symbol), zap.String("price", q.Price), zap.Error(err))
			continue
		}
		if !price.IsPositive() {
			p.logger.Warn("Discarding non-positive quote",
				zap.String("symbol", q.Symbol), zap.String("price", q.Price))
			continue
		}

		ts := now
		if q.UpdatedAt > 0 {
			ts = time.UnixMilli(q.UpdatedAt).UTC()
		}

		p.seq++
		p.handler(pricecache.PriceTick{
			Symbol:    q.Symbol,
			Price:     price,
			Timestamp: ts,
			Sequence:  p.seq,
		})
	}
}
