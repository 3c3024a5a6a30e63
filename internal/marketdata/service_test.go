package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/mock"
	"brokerd/pkg/logging"
)

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func testConfig() config.MarketDataConfig {
	return config.MarketDataConfig{
		CacheTTLSeconds:          2,
		CapabilityTTLSeconds:     300,
		QuoteIntentDefault:       "best_effort",
		ProbeSymbols:             []string{"SPY"},
		AllowHistoryLastFallback: true,
	}
}

func newTestService(t *testing.T, cfg config.MarketDataConfig) (*Service, *mock.Provider, func(time.Time)) {
	t.Helper()
	provider := mock.New()
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(func() { _ = provider.Stop(context.Background()) })

	svc := New(provider, cfg, testLogger(t))
	current := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }
	setNow := func(t time.Time) { current = t }
	return svc, provider, setNow
}

func TestQuoteCachesWithinTTL(t *testing.T) {
	svc, provider, setNow := newTestService(t, testConfig())
	ctx := context.Background()

	quotes, err := svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 1, provider.QuoteCalls())

	_, err = svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.QuoteCalls(), "second read within the TTL must hit the cache")

	setNow(time.Date(2026, 8, 24, 14, 0, 3, 0, time.UTC))
	_, err = svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.QuoteCalls(), "expired entries refetch")
}

func TestQuoteForceRefreshBypassesCache(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	_, err = svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, true)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.QuoteCalls())
}

func TestQuoteFetchesOnlyStaleSymbols(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	ctx := context.Background()

	cachedQuote := core.NewQuote("AAPL")
	cachedQuote.Last = core.Float64Ptr(101)
	provider.SetQuote(cachedQuote)

	_, err := svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)

	replaced := core.NewQuote("AAPL")
	replaced.Last = core.Float64Ptr(999)
	provider.SetQuote(replaced)

	quotes, err := svc.Quote(ctx, []string{"aapl", "MSFT"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "AAPL", quotes[0].Symbol)
	require.NotNil(t, quotes[0].Last)
	assert.Equal(t, 101.0, *quotes[0].Last, "cached AAPL must not be refetched")
	assert.Equal(t, "MSFT", quotes[1].Symbol)
	assert.Equal(t, 2, provider.QuoteCalls())
}

func TestQuoteFiltersUnknownSymbols(t *testing.T) {
	provider := mock.New()
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(func() { _ = provider.Stop(context.Background()) })

	svc := New(&droppingProvider{Provider: provider, drop: "ZZZZ"}, testConfig(), testLogger(t))

	quotes, err := svc.Quote(context.Background(), []string{"AAPL", "ZZZZ"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "AAPL", quotes[0].Symbol)
}

// droppingProvider hides one symbol, as a venue does for contracts it
// cannot resolve.
type droppingProvider struct {
	*mock.Provider
	drop string
}

func (p *droppingProvider) Quote(ctx context.Context, symbols []string, intent core.QuoteIntent) ([]*core.Quote, error) {
	quotes, err := p.Provider.Quote(ctx, symbols, intent)
	if err != nil {
		return nil, err
	}
	kept := make([]*core.Quote, 0, len(quotes))
	for _, quote := range quotes {
		if quote.Symbol == p.drop {
			continue
		}
		kept = append(kept, quote)
	}
	return kept, nil
}

func TestQuoteHistoryFallbackFillsMissingLast(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	ctx := context.Background()

	thin := core.NewQuote("AAPL")
	thin.Bid = core.Float64Ptr(189.5)
	thin.Ask = core.Float64Ptr(190.1)
	provider.SetQuote(thin)

	barTime := time.Date(2026, 8, 24, 13, 59, 0, 0, time.UTC)
	provider.SetBars("AAPL", []core.Bar{
		{Symbol: "AAPL", Time: barTime.Add(-time.Minute), Close: 189.70},
		{Symbol: "AAPL", Time: barTime, Close: 189.80},
	})

	quotes, err := svc.Quote(ctx, []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	quote := quotes[0]
	require.NotNil(t, quote.Last)
	assert.Equal(t, 189.80, *quote.Last)
	assert.Equal(t, barTime, quote.Timestamp)
	assert.Equal(t, "history", quote.Meta.Source)
	assert.True(t, quote.Meta.FallbackUsed)
	assert.True(t, quote.Meta.Fields.Last)
	assert.Equal(t, 1, provider.HistoryCalls())
}

func TestQuoteHistoryFallbackSkippedForTopOfBook(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())

	thin := core.NewQuote("AAPL")
	thin.Bid = core.Float64Ptr(189.5)
	thin.Ask = core.Float64Ptr(190.1)
	provider.SetQuote(thin)

	quotes, err := svc.Quote(context.Background(), []string{"AAPL"}, core.IntentTopOfBook, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Nil(t, quotes[0].Last)
	assert.Equal(t, 0, provider.HistoryCalls())
}

func TestQuoteHistoryFallbackRequiresCapability(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	provider.SetCapability(core.CapHistory, false)

	thin := core.NewQuote("AAPL")
	provider.SetQuote(thin)

	quotes, err := svc.Quote(context.Background(), []string{"AAPL"}, core.IntentLastOnly, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Nil(t, quotes[0].Last)
	assert.Equal(t, 0, provider.HistoryCalls())
}

func TestQuoteHistoryFallbackDisabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AllowHistoryLastFallback = false
	svc, provider, _ := newTestService(t, cfg)

	thin := core.NewQuote("AAPL")
	provider.SetQuote(thin)

	quotes, err := svc.Quote(context.Background(), []string{"AAPL"}, core.IntentBestEffort, false)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Nil(t, quotes[0].Last)
	assert.Equal(t, 0, provider.HistoryCalls())
}

func TestCapabilitiesCachedWithinTTL(t *testing.T) {
	svc, provider, setNow := newTestService(t, testConfig())
	ctx := context.Background()

	caps, err := svc.QuoteCapabilities(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.Contains(t, caps.Symbols, "AAPL")
	assert.Equal(t, 1, provider.CapabilityCalls())

	_, err = svc.QuoteCapabilities(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.CapabilityCalls())

	_, err = svc.QuoteCapabilities(ctx, []string{"AAPL"}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.CapabilityCalls(), "refresh bypasses the cache")

	setNow(time.Date(2026, 8, 24, 14, 5, 1, 0, time.UTC))
	_, err = svc.QuoteCapabilities(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, provider.CapabilityCalls(), "expired snapshot re-probes")
}

func TestCapabilitiesDefaultToProbeSymbols(t *testing.T) {
	svc, _, _ := newTestService(t, testConfig())

	caps, err := svc.QuoteCapabilities(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Contains(t, caps.Symbols, "SPY")
}

func TestCapabilitiesMergeMissingSymbols(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.QuoteCapabilities(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)

	caps, meta, err := svc.CapabilitiesWithMeta(ctx, []string{"AAPL", "MSFT"}, false)
	require.NoError(t, err)
	assert.Contains(t, caps.Symbols, "AAPL")
	assert.Contains(t, caps.Symbols, "MSFT")
	assert.True(t, meta.Cached, "merge keeps the cached snapshot authoritative")
	assert.Equal(t, 2, provider.CapabilityCalls(), "only the missing symbol is probed")
}

func TestCapabilitiesWithMetaReportsAge(t *testing.T) {
	svc, _, setNow := newTestService(t, testConfig())
	ctx := context.Background()

	_, meta, err := svc.CapabilitiesWithMeta(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.Equal(t, int64(0), meta.CacheAgeMS)
	assert.Equal(t, 300.0, meta.TTLSeconds)
	require.NotNil(t, meta.CachedAt)

	setNow(time.Date(2026, 8, 24, 14, 0, 1, 500_000_000, time.UTC))
	_, meta, err = svc.CapabilitiesWithMeta(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.Equal(t, int64(1500), meta.CacheAgeMS)
}

func TestQuoteFetchInvalidatesCapabilitySnapshot(t *testing.T) {
	svc, provider, _ := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.QuoteCapabilities(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.CapabilityCalls())

	_, err = svc.Quote(ctx, []string{"MSFT"}, core.IntentBestEffort, false)
	require.NoError(t, err)

	_, meta, err := svc.CapabilitiesWithMeta(ctx, []string{"AAPL"}, false)
	require.NoError(t, err)
	assert.False(t, meta.Cached, "fresh quotes age out the capability snapshot")
	assert.Equal(t, 2, provider.CapabilityCalls())
}

func TestWatchProjectsRequestedFields(t *testing.T) {
	provider := mock.New()
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(func() { _ = provider.Stop(context.Background()) })
	svc := New(provider, testConfig(), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := svc.Watch(ctx, "aapl", []string{"last", "bid", "nope"}, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case update, ok := <-updates:
			require.True(t, ok)
			require.Contains(t, update, "last")
			require.NotNil(t, update["last"])
			assert.Equal(t, 179.95, *update["last"])
			require.NotNil(t, update["bid"])
			assert.Nil(t, update["nope"])
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a watch update")
		}
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel did not close after cancel")
		}
	}
}

func TestDefaultIntentFallsBackToBestEffort(t *testing.T) {
	provider := mock.New()
	cfg := testConfig()
	cfg.QuoteIntentDefault = "whatever"
	svc := New(provider, cfg, testLogger(t))
	assert.Equal(t, core.IntentBestEffort, svc.DefaultIntent())

	cfg.QuoteIntentDefault = "top_of_book"
	svc = New(provider, cfg, testLogger(t))
	assert.Equal(t, core.IntentTopOfBook, svc.DefaultIntent())
}
