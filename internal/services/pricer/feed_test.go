package pricer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/vault/internal/domain"
)

func TestParseFeedPrice(t *testing.T) {
	pair := domain.NewPair("BTC", "USDT")

	price, err := parseFeedPrice("test", pair, "61234.5")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("61234.5").Equal(price))

	for _, raw := range []string{"", "abc", "0", "-1"} {
		_, err := parseFeedPrice("test", pair, raw)
		assert.Error(t, err, raw)
	}
}

type fakeMids struct {
	mids  map[string]string
	err   error
	calls int
}

func (f *fakeMids) AllMids(context.Context) (map[string]string, error) {
	f.calls++
	return f.mids, f.err
}

func TestHyperliquidPricer(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeMids{mids: map[string]string{"BTC": "60000.5", "ETH": "3000", "DEAD": "0"}}
	p := NewHyperliquidPricer(fake)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	price, err := p.GetPrice(ctx, domain.NewPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("60000.5").Equal(price))

	_, err = p.GetPrice(ctx, domain.NewPair("ETH", "USDC"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls, "mids are shared within one refresh pass")

	_, err = p.GetPrice(ctx, domain.NewPair("DOGE", "USDT"))
	assert.Error(t, err)
	_, err = p.GetPrice(ctx, domain.NewPair("DEAD", "USDT"))
	assert.Error(t, err)
	_, err = p.GetPrice(ctx, domain.NewPair("BTC", "EUR"))
	assert.Error(t, err)

	now = now.Add(midsTTL)
	fake.mids = map[string]string{"BTC": "61000"}
	price, err = p.GetPrice(ctx, domain.NewPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(61000).Equal(price))
	assert.Equal(t, 2, fake.calls)

	now = now.Add(midsTTL)
	fake.err = errors.New("boom")
	_, err = p.GetPrice(ctx, domain.NewPair("BTC", "USDT"))
	assert.Error(t, err)
}
