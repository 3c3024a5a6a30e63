// Package etrade adapts the E*Trade REST API to the provider interface.
// Requests are signed with OAuth 1.0a; there is no push stream, so order
// and fill state always comes from polling the orders endpoint.
package etrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/provider/base"
	apperrors "brokerd/pkg/errors"
	pkghttp "brokerd/pkg/http"

	"golang.org/x/time/rate"
)

const (
	authRequiredSuggestion = "Run `brokerd auth etrade` to create fresh E*Trade tokens."

	requestTimeout = 20 * time.Second

	// E*Trade throttles aggressively; keep at least 200ms between requests.
	minRequestGap = 200 * time.Millisecond

	// Access tokens idle out after two hours; renew well inside that.
	renewInterval  = 90 * time.Minute
	renewLoopSleep = time.Minute

	quoteBatchSize = 25
)

// Provider talks to the E*Trade REST API with OAuth 1.0a signed requests.
// Tokens expire at midnight US/Eastern and cannot be refreshed without the
// interactive auth flow, so an expired session stays down until the user
// re-runs `brokerd auth etrade`.
type Provider struct {
	cfg    config.ETradeConfig
	logger core.ILogger
	audit  *audit.Log

	apiBase string
	signer  *oauthSigner
	http    *pkghttp.Client
	limiter *rate.Limiter

	mu           sync.Mutex
	sink         core.EventSink
	hasTokens    bool
	tokenValid   bool
	connectedAt  *time.Time
	lastError    string
	accountIDKey string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an E*Trade provider for the configured environment.
func New(cfg config.ETradeConfig, logger core.ILogger, auditLog *audit.Log) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	apiBase := APIBase(cfg.Sandbox)
	signer := newOAuthSigner(strings.TrimSpace(cfg.ConsumerKey), cfg.ConsumerSecret.Reveal())
	client := pkghttp.NewClient(apiBase, requestTimeout, signer)
	client.SetHeader("Accept", "application/json")
	return &Provider{
		cfg:          cfg,
		logger:       logger,
		audit:        auditLog,
		apiBase:      apiBase,
		signer:       signer,
		http:         client,
		limiter:      rate.NewLimiter(rate.Every(minRequestGap), 1),
		accountIDKey: strings.TrimSpace(cfg.AccountIDKey),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Name implements core.IProvider.
func (p *Provider) Name() string { return "etrade" }

// Capabilities reports what the E*Trade REST surface can do. No bar data,
// no bracket orders, no push stream, and sessions die at midnight ET.
func (p *Provider) Capabilities() core.Capabilities {
	caps := core.DefaultCapabilities()
	caps[core.CapOptionChain] = true
	caps[core.CapExposure] = true
	return caps
}

// SetEventSink implements core.IProvider. Must be called before Start.
func (p *Provider) SetEventSink(sink core.EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Start validates credentials, loads saved tokens, confirms the session is
// still live and discovers the account key. Unlike the IB adapter a failed
// start aborts the daemon: without valid tokens nothing can ever succeed,
// and only the interactive auth flow can mint new ones.
func (p *Provider) Start(ctx context.Context) error {
	if err := p.validateConsumerCredentials(); err != nil {
		return err
	}

	tokens, ok := LoadTokens(p.cfg.TokenPath)
	if !ok {
		return apperrors.Disconnected(
			fmt.Sprintf("missing E*Trade OAuth tokens at %s", p.cfg.TokenPath),
			apperrors.WithSuggestion(authRequiredSuggestion),
		)
	}
	p.setTokens(tokens)

	if err := p.renewAccessToken(ctx, true); err != nil {
		return err
	}
	if _, err := p.requireAccountKey(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.connectedAt = &now
	p.lastError = ""
	accountIDKey := p.accountIDKey
	p.mu.Unlock()

	p.wg.Add(1)
	go p.renewLoop()

	p.logConnection("connected", map[string]any{
		"host":           p.apiBase,
		"account_id_key": accountIDKey,
	})
	return nil
}

// Stop cancels the renew loop and invalidates the in-memory session.
func (p *Provider) Stop(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.tokenValid = false
	p.connectedAt = nil
	p.mu.Unlock()
	return nil
}

// IsConnected implements core.IProvider.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasTokens && p.tokenValid
}

// Status implements core.IProvider.
func (p *Provider) Status() core.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := core.ConnectionStatus{
		Connected:   p.hasTokens && p.tokenValid,
		Provider:    "etrade",
		Host:        p.apiBase,
		Port:        443,
		ClientID:    0,
		ConnectedAt: p.connectedAt,
	}
	if p.accountIDKey != "" {
		acct := p.accountIDKey
		status.AccountID = &acct
	}
	if p.lastError != "" {
		lastErr := p.lastError
		status.LastError = &lastErr
	}
	return status
}

// EnsureConnected fails with the canonical disconnect error when the OAuth
// session is gone. There is no reconnect to attempt: fresh tokens require
// the interactive auth flow.
func (p *Provider) EnsureConnected() error {
	if p.IsConnected() {
		return nil
	}
	p.mu.Lock()
	lastError := p.lastError
	p.mu.Unlock()

	return apperrors.Disconnected("daemon is not connected to E*Trade",
		apperrors.WithDetails(map[string]any{
			"host":       p.apiBase,
			"last_error": lastError,
		}),
		apperrors.WithSuggestion(authRequiredSuggestion),
	)
}

func (p *Provider) validateConsumerCredentials() error {
	if strings.TrimSpace(p.cfg.ConsumerKey) != "" && strings.TrimSpace(p.cfg.ConsumerSecret.Reveal()) != "" {
		return nil
	}
	return apperrors.InvalidArgs("E*Trade consumer_key and consumer_secret are required",
		apperrors.WithSuggestion("Set etrade.consumer_key and etrade.consumer_secret in config or env."))
}

func (p *Provider) setTokens(tokens Tokens) {
	p.signer.setToken(tokens.OAuthToken, tokens.OAuthTokenSecret)
	p.mu.Lock()
	p.hasTokens = true
	p.tokenValid = true
	p.mu.Unlock()
}

// renewAccessToken pings the renew endpoint to keep the session alive. A
// 401/403 means the token is dead for good and is surfaced with an
// auth_expired detail so callers can tell terminal failures apart.
func (p *Provider) renewAccessToken(ctx context.Context, initial bool) error {
	_, err := p.get(ctx, "/oauth/renew_access_token", nil, "renew_access_token")
	if err == nil {
		p.mu.Lock()
		p.tokenValid = true
		p.mu.Unlock()
		return nil
	}

	if typed, ok := apperrors.As(err); ok {
		if status, found := typed.Details["status_code"].(int); found && (status == 401 || status == 403) {
			message := "E*Trade access token is expired or revoked"
			if initial {
				message = "saved E*Trade access token is expired; re-authentication required"
			}
			p.mu.Lock()
			p.tokenValid = false
			p.lastError = message
			p.mu.Unlock()
			return apperrors.Disconnected(message,
				apperrors.WithDetail("auth_expired", true),
				apperrors.WithSuggestion(authRequiredSuggestion))
		}
	}
	return err
}

// renewLoop refreshes the access token every 90 minutes. Terminal token
// expiry publishes a disconnect and ends the loop; transient failures are
// retried on the next tick.
func (p *Provider) renewLoop() {
	defer p.wg.Done()

	next := time.Now().Add(renewInterval)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(renewLoopSleep):
		}

		if time.Now().Before(next) {
			continue
		}

		err := p.renewAccessToken(p.ctx, false)
		if err == nil {
			next = time.Now().Add(renewInterval)
			continue
		}

		typed := apperrors.Ensure(err)
		p.setLastError(typed.Message)
		if expired, _ := typed.Details["auth_expired"].(bool); expired {
			p.logConnection("disconnected", map[string]any{"reason": "token_expired"})
			return
		}
		p.logger.Warn("E*Trade token renew failed", "error", typed.Message)
	}
}

type accountListResponse struct {
	AccountListResponse struct {
		Accounts struct {
			Account flexList[accountRow] `json:"Account"`
		} `json:"Accounts"`
	} `json:"AccountListResponse"`
}

type accountRow struct {
	AccountIDKey string `json:"accountIdKey"`
}

// requireAccountKey returns the brokerage account key, discovering it from
// the accounts list on first use.
func (p *Provider) requireAccountKey(ctx context.Context) (string, error) {
	if err := p.EnsureConnected(); err != nil {
		return "", err
	}

	p.mu.Lock()
	key := p.accountIDKey
	p.mu.Unlock()
	if key != "" {
		return key, nil
	}

	var payload accountListResponse
	if err := p.getJSON(ctx, "/v1/accounts/list", nil, "accounts_list", &payload); err != nil {
		return "", err
	}
	for _, row := range payload.AccountListResponse.Accounts.Account {
		if found := strings.TrimSpace(row.AccountIDKey); found != "" {
			p.mu.Lock()
			p.accountIDKey = found
			p.mu.Unlock()
			return found, nil
		}
	}
	return "", apperrors.Rejected("unable to discover E*Trade accountIdKey from /v1/accounts/list",
		apperrors.WithSuggestion("Verify your account has brokerage access and API permissions."))
}

// get issues a rate-limited GET with the package error mapping applied.
func (p *Provider) get(ctx context.Context, path string, params map[string]string, operation string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := p.http.Get(ctx, path, params)
	if err != nil {
		return nil, p.mapRequestError(operation, path, err)
	}
	return body, nil
}

func (p *Provider) post(ctx context.Context, path string, body any, operation string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := p.http.Post(ctx, path, body)
	if err != nil {
		return nil, p.mapRequestError(operation, path, err)
	}
	return raw, nil
}

func (p *Provider) put(ctx context.Context, path string, body any, operation string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := p.http.Put(ctx, path, body)
	if err != nil {
		return nil, p.mapRequestError(operation, path, err)
	}
	return raw, nil
}

func (p *Provider) getJSON(ctx context.Context, path string, params map[string]string, operation string, out any) error {
	body, err := p.get(ctx, path, params, operation)
	if err != nil {
		return err
	}
	return p.decodePayload(operation, body, out)
}

func (p *Provider) postJSON(ctx context.Context, path string, body any, operation string, out any) error {
	raw, err := p.post(ctx, path, body, operation)
	if err != nil {
		return err
	}
	return p.decodePayload(operation, raw, out)
}

func (p *Provider) putJSON(ctx context.Context, path string, body any, operation string, out any) error {
	raw, err := p.put(ctx, path, body, operation)
	if err != nil {
		return err
	}
	return p.decodePayload(operation, raw, out)
}

func (p *Provider) decodePayload(operation string, body []byte, out any) error {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		p.setLastError(operation + " returned non-JSON payload")
		return apperrors.Rejected(operation+" failed: expected JSON response",
			apperrors.WithDetail("operation", operation))
	}
	return nil
}

// mapRequestError translates transport and HTTP failures into the daemon
// error taxonomy. Auth failures point at the auth flow, 429s at the rate
// limit, and quote 400/404s at the symbol.
func (p *Provider) mapRequestError(operation, path string, err error) error {
	if typed, ok := apperrors.As(err); ok {
		return typed
	}
	if apiErr, ok := pkghttp.AsAPIError(err); ok {
		return p.mapHTTPError(operation, path, apiErr)
	}
	if base.IsTimeout(err) {
		p.setLastError(fmt.Sprintf("%s timed out: %v", operation, err))
		return apperrors.Timeout(fmt.Sprintf("%s timed out", operation),
			apperrors.WithDetails(map[string]any{"operation": operation, "error": err.Error()}),
			apperrors.WithSuggestion("Retry and consider increasing runtime.request_timeout_seconds if needed."))
	}
	p.setLastError(fmt.Sprintf("%s network error: %v", operation, err))
	return apperrors.Disconnected(fmt.Sprintf("%s failed: %v", operation, err),
		apperrors.WithDetail("operation", operation),
		apperrors.WithSuggestion("Check network connectivity and E*Trade API availability."))
}

func (p *Provider) mapHTTPError(operation, path string, apiErr *pkghttp.APIError) error {
	raw := strings.TrimSpace(string(apiErr.Body))
	if message := extractErrorMessage(apiErr.Body); message != "" {
		raw = message
	}

	code := apperrors.CodeIBRejected
	suggestion := ""
	lowered := strings.ToLower(raw)
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		code = apperrors.CodeIBDisconnected
		suggestion = authRequiredSuggestion
	case apiErr.StatusCode == 429:
		code = apperrors.CodeRateLimited
		suggestion = "Retry with lower request frequency."
	case strings.HasPrefix(path, "/v1/market/quote") &&
		(apiErr.StatusCode == 400 || apiErr.StatusCode == 404 || strings.Contains(lowered, "symbol")):
		code = apperrors.CodeInvalidSymbol
		suggestion = "Confirm symbol formatting and market data availability."
	}

	p.setLastError(fmt.Sprintf("%s HTTP %d: %s", operation, apiErr.StatusCode, raw))

	if raw == "" {
		raw = http.StatusText(apiErr.StatusCode)
	}
	opts := []apperrors.Option{
		apperrors.WithDetails(map[string]any{
			"operation":   operation,
			"status_code": apiErr.StatusCode,
			"path":        path,
		}),
	}
	if suggestion != "" {
		opts = append(opts, apperrors.WithSuggestion(suggestion))
	}
	return apperrors.New(code, fmt.Sprintf("%s failed: %s", operation, raw), opts...)
}

func (p *Provider) setLastError(message string) {
	p.mu.Lock()
	p.lastError = message
	p.mu.Unlock()
}

func (p *Provider) publish(topic core.Topic, payload map[string]any) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink(core.NewEvent(topic, payload))
	}
}

func (p *Provider) logConnection(event string, details map[string]any) {
	fields := make([]any, 0, len(details)*2+2)
	fields = append(fields, "event", event)
	for k, v := range details {
		fields = append(fields, k, v)
	}
	p.logger.Info("connection event", fields...)
	if p.audit != nil {
		if err := p.audit.LogConnectionEvent(context.Background(), event, details); err != nil {
			p.logger.Warn("audit connection event failed", "error", err)
		}
	}

	payload := map[string]any{"event": event}
	for k, v := range details {
		payload[k] = v
	}
	p.publish(core.TopicConnection, payload)
}
