// Package marketdata caches provider quotes and capability probes for
// the daemon's read paths.
package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/pkg/telemetry"
)

const (
	defaultCacheTTL      = 2 * time.Second
	defaultCapabilityTTL = 5 * time.Minute
)

// CacheMeta describes the freshness of the capability snapshot returned
// next to it.
type CacheMeta struct {
	Cached     bool       `msgpack:"cached" json:"cached"`
	CachedAt   *time.Time `msgpack:"cached_at" json:"cached_at"`
	TTLSeconds float64    `msgpack:"ttl_seconds" json:"ttl_seconds"`
	CacheAgeMS int64      `msgpack:"cache_age_ms" json:"cache_age_ms"`
}

// Service fronts the provider with a short-TTL quote cache, an optional
// history-based last-price fallback, and a capability snapshot cache.
type Service struct {
	provider core.IProvider
	logger   core.ILogger

	cacheTTL             time.Duration
	capabilityTTL        time.Duration
	probeSymbols         []string
	defaultIntent        core.QuoteIntent
	allowHistoryFallback bool

	mu        sync.Mutex
	quotes    map[string]*core.Quote
	updatedAt map[string]time.Time
	caps      *core.ProviderQuoteCapabilities
	capsAt    *time.Time

	now func() time.Time
}

// New builds the service from the market_data config section. Zero TTLs
// fall back to 2 s quotes / 5 min capabilities.
func New(provider core.IProvider, cfg config.MarketDataConfig, logger core.ILogger) *Service {
	cacheTTL := defaultCacheTTL
	if cfg.CacheTTLSeconds > 0 {
		cacheTTL = time.Duration(cfg.CacheTTLSeconds * float64(time.Second))
	}
	capabilityTTL := defaultCapabilityTTL
	if cfg.CapabilityTTLSeconds > 0 {
		capabilityTTL = time.Duration(cfg.CapabilityTTLSeconds * float64(time.Second))
	}
	intent, err := core.ParseQuoteIntent(cfg.QuoteIntentDefault)
	if err != nil {
		intent = core.IntentBestEffort
	}
	return &Service{
		provider:             provider,
		logger:               logger,
		cacheTTL:             cacheTTL,
		capabilityTTL:        capabilityTTL,
		probeSymbols:         cfg.ProbeSymbols,
		defaultIntent:        intent,
		allowHistoryFallback: cfg.AllowHistoryLastFallback,
		quotes:               make(map[string]*core.Quote),
		updatedAt:            make(map[string]time.Time),
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// DefaultIntent is the configured quote intent for callers that did not
// request one.
func (s *Service) DefaultIntent() core.QuoteIntent { return s.defaultIntent }

// Quote returns snapshots in the caller's requested order, filtered to
// symbols the provider knows. Stale or forced symbols are fetched in
// one batched provider call; a fresh fetch invalidates the capability
// snapshot age so the next probe re-reads field availability.
func (s *Service) Quote(ctx context.Context, symbols []string, intent core.QuoteIntent, forceRefresh bool) ([]*core.Quote, error) {
	if intent == "" {
		intent = s.defaultIntent
	}
	now := s.now()

	requested := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		requested = append(requested, sym)
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(requested))
	stale := make([]string, 0, len(requested))
	for _, sym := range requested {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		cachedAt, ok := s.updatedAt[sym]
		if forceRefresh || !ok || now.Sub(cachedAt) > s.cacheTTL {
			stale = append(stale, sym)
		}
	}
	s.mu.Unlock()
	telemetry.GetGlobalMetrics().RecordQuoteCache(ctx, int64(len(seen)-len(stale)), int64(len(stale)))

	if len(stale) > 0 {
		fresh, err := s.provider.Quote(ctx, stale, intent)
		if err != nil {
			return nil, err
		}
		if (intent == core.IntentBestEffort || intent == core.IntentLastOnly) && s.allowHistoryFallback {
			s.applyHistoryLastFallback(ctx, fresh)
		}

		s.mu.Lock()
		for _, quote := range fresh {
			s.quotes[quote.Symbol] = quote
			s.updatedAt[quote.Symbol] = now
		}
		s.capsAt = nil
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*core.Quote, 0, len(requested))
	for _, sym := range requested {
		if quote, ok := s.quotes[sym]; ok {
			result = append(result, quote)
		}
	}
	return result, nil
}

// applyHistoryLastFallback back-fills missing last prices from the
// final bar of a 1-day/1-minute history query. Per-symbol failures are
// logged and skipped so one thin symbol cannot sink the batch.
func (s *Service) applyHistoryLastFallback(ctx context.Context, quotes []*core.Quote) {
	if !s.provider.Capabilities().Has(core.CapHistory) {
		return
	}
	for _, quote := range quotes {
		if quote.Last != nil {
			continue
		}
		bars, err := s.provider.History(ctx, quote.Symbol, "1d", "1m", false)
		if err != nil {
			s.logger.Debug("history last fallback failed", "symbol", quote.Symbol, "error", err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		quote.Last = core.Float64Ptr(last.Close)
		quote.Timestamp = last.Time
		quote.Meta.Source = "history"
		quote.Meta.FallbackUsed = true
		quote.Meta.Fields.Last = true
	}
}

// Watch re-quotes a symbol on every interval tick and sends the
// requested fields projected from the snapshot. The channel closes when
// ctx is cancelled.
func (s *Service) Watch(ctx context.Context, symbol string, fields []string, interval time.Duration) <-chan map[string]*float64 {
	updates := make(chan map[string]*float64)
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	go func() {
		defer close(updates)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			quotes, err := s.Quote(ctx, []string{sym}, s.defaultIntent, true)
			if err != nil {
				s.logger.Debug("watch refresh failed", "symbol", sym, "error", err)
			} else if len(quotes) > 0 {
				select {
				case updates <- projectFields(quotes[0], fields):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}

func projectFields(quote *core.Quote, fields []string) map[string]*float64 {
	projected := make(map[string]*float64, len(fields))
	for _, field := range fields {
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "bid":
			projected[field] = quote.Bid
		case "ask":
			projected[field] = quote.Ask
		case "last":
			projected[field] = quote.Last
		case "volume":
			projected[field] = quote.Volume
		default:
			projected[field] = nil
		}
	}
	return projected
}

// QuoteCapabilities returns the capability snapshot, served from cache
// within the TTL. Symbols absent from a valid cache are probed alone
// and merged in.
func (s *Service) QuoteCapabilities(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, error) {
	caps, _, err := s.capabilities(ctx, symbols, refresh)
	return caps, err
}

// CapabilitiesWithMeta returns the snapshot plus a freshness block for
// responses that surface cache age to the caller.
func (s *Service) CapabilitiesWithMeta(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, CacheMeta, error) {
	caps, fromCache, err := s.capabilities(ctx, symbols, refresh)
	if err != nil {
		return nil, CacheMeta{}, err
	}

	meta := CacheMeta{Cached: fromCache, TTLSeconds: s.capabilityTTL.Seconds()}
	s.mu.Lock()
	if s.capsAt != nil {
		at := *s.capsAt
		meta.CachedAt = &at
		age := s.now().Sub(at)
		if age < 0 {
			age = 0
		}
		meta.CacheAgeMS = age.Milliseconds()
	}
	s.mu.Unlock()
	return caps, meta, nil
}

func (s *Service) capabilities(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, bool, error) {
	source := symbols
	if len(source) == 0 {
		source = s.probeSymbols
	}
	requested := make([]string, 0, len(source))
	for _, raw := range source {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		requested = append(requested, sym)
	}

	now := s.now()
	s.mu.Lock()
	cached := s.caps
	valid := !refresh && cached != nil && s.capsAt != nil && now.Sub(*s.capsAt) <= s.capabilityTTL
	s.mu.Unlock()

	if !valid {
		fresh, err := s.provider.QuoteCapabilities(ctx, requested, refresh)
		if err != nil {
			return nil, false, err
		}
		s.storeCapabilities(fresh, now)
		return fresh, false, nil
	}

	missing := make([]string, 0)
	for _, sym := range requested {
		if _, ok := cached.Symbols[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return cached, true, nil
	}

	refreshed, err := s.provider.QuoteCapabilities(ctx, missing, true)
	if err != nil {
		return nil, false, err
	}

	merged := &core.ProviderQuoteCapabilities{
		Provider:  refreshed.Provider,
		Supports:  refreshed.Supports,
		Symbols:   make(map[string]core.QuoteCapabilitySnapshot, len(cached.Symbols)+len(refreshed.Symbols)),
		UpdatedAt: refreshed.UpdatedAt,
	}
	if merged.Provider == "" {
		merged.Provider = cached.Provider
	}
	if len(merged.Supports) == 0 {
		merged.Supports = cached.Supports
	}
	for sym, snapshot := range cached.Symbols {
		merged.Symbols[sym] = snapshot
	}
	for sym, snapshot := range refreshed.Symbols {
		merged.Symbols[sym] = snapshot
	}
	s.storeCapabilities(merged, now)
	return merged, true, nil
}

func (s *Service) storeCapabilities(caps *core.ProviderQuoteCapabilities, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
	s.capsAt = &at
}
