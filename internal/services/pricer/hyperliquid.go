package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

// midsTTL lets one refresh pass over several assets share a single AllMids call.
const midsTTL = time.Second

// Hyperliquid mids are USD denominated; any of these quote currencies reads them as is.
var usdQuotes = map[string]struct{}{"USD": {}, "USDC": {}, "USDT": {}}

type midsFetcher interface {
	AllMids(ctx context.Context) (map[string]string, error)
}

// HyperliquidPricer reads mid prices from the Hyperliquid public Info API.
type HyperliquidPricer struct {
	info midsFetcher
	now  func() time.Time

	mu        sync.Mutex
	mids      map[string]string
	fetchedAt time.Time
}

// NewHyperliquidPricer wraps an Info client (see clients.NewHyperliquidInfo).
func NewHyperliquidPricer(info midsFetcher) *HyperliquidPricer {
	return &HyperliquidPricer{info: info, now: time.Now}
}

func (p *HyperliquidPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, errors.New("hyperliquid info client is nil")
	}
	if _, ok := usdQuotes[pair.To]; !ok {
		return decimal.Zero, errors.Errorf("hyperliquid mids are USD quoted, cannot price %s", pair.String())
	}

	mids, err := p.allMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return parseFeedPrice("hyperliquid", pair, mids[pair.From])
}

func (p *HyperliquidPricer) allMids(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mids != nil && p.now().Sub(p.fetchedAt) < midsTTL {
		return p.mids, nil
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "hyperliquid all mids")
	}
	p.mids = mids
	p.fetchedAt = p.now()
	return mids, nil
}
