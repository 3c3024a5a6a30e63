// Package ib adapts the local IB gateway bridge (the Client Portal style
// REST + WebSocket surface) to the provider interface.
package ib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
	pkghttp "brokerd/pkg/http"
	"brokerd/pkg/retry"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	requestTimeout = 15 * time.Second

	// The gateway throttles at roughly 10 requests per second per session.
	requestsPerSecond = 10
)

// Provider talks to an IB gateway bridge over REST and keeps a WebSocket
// stream open for order, fill and disconnect push events.
type Provider struct {
	cfg    config.GatewayConfig
	logger core.ILogger
	audit  *audit.Log

	http    *pkghttp.Client
	limiter *rate.Limiter

	connectGroup singleflight.Group

	mu            sync.Mutex
	sink          core.EventSink
	connected     bool
	connectedAt   *time.Time
	lastHeartbeat *time.Time
	lastError     string
	accountID     string
	serverVersion string
	contracts     map[string]contractInfo
	stream        *stream
	reconnecting  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an IB provider against the configured gateway bridge.
func New(cfg config.GatewayConfig, logger core.ILogger, auditLog *audit.Log) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	baseURL := fmt.Sprintf("http://%s:%d/v1/api", cfg.Host, cfg.Port)
	return &Provider{
		cfg:       cfg,
		logger:    logger,
		audit:     auditLog,
		http:      pkghttp.NewClient(baseURL, requestTimeout, nil),
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		contracts: map[string]contractInfo{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Name implements core.IProvider.
func (p *Provider) Name() string { return "ib" }

// Capabilities reports the gateway feature set. Everything is available
// except persistent auth, which the gateway session manages on its own.
func (p *Provider) Capabilities() core.Capabilities {
	caps := core.DefaultCapabilities()
	for name := range caps {
		caps[name] = true
	}
	caps[core.CapPersistentAuth] = false
	return caps
}

// SetEventSink implements core.IProvider. Must be called before Start.
func (p *Provider) SetEventSink(sink core.EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Start attempts the initial connect. A failed connect does not abort the
// daemon: the reconnect loop keeps trying in the background and commands
// fail with IB_DISCONNECTED until the gateway is reachable.
func (p *Provider) Start(ctx context.Context) error {
	if !p.connect(ctx) {
		p.logger.Warn("IB gateway not reachable at startup, continuing disconnected",
			"host", p.cfg.Host, "port", p.cfg.Port)
	}
	return nil
}

// Stop cancels the reconnect loop and closes the stream.
func (p *Provider) Stop(ctx context.Context) error {
	p.cancel()

	p.mu.Lock()
	st := p.stream
	p.stream = nil
	p.connected = false
	p.connectedAt = nil
	p.mu.Unlock()

	if st != nil {
		st.close()
	}
	p.wg.Wait()
	return nil
}

// IsConnected implements core.IProvider.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Status implements core.IProvider.
func (p *Provider) Status() core.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := core.ConnectionStatus{
		Connected:     p.connected,
		Provider:      "ib",
		Host:          p.cfg.Host,
		Port:          p.cfg.Port,
		ClientID:      p.cfg.ClientID,
		ConnectedAt:   p.connectedAt,
		LastHeartbeat: p.lastHeartbeat,
	}
	if p.accountID != "" {
		acct := p.accountID
		status.AccountID = &acct
	}
	if p.serverVersion != "" {
		version := p.serverVersion
		status.ServerVersion = &version
	}
	if p.lastError != "" {
		lastErr := p.lastError
		status.LastError = &lastErr
	}
	return status
}

// EnsureConnected reconnects on demand and fails with the canonical
// disconnect error when the gateway stays unreachable.
func (p *Provider) EnsureConnected() error {
	if p.IsConnected() {
		return nil
	}
	if p.connect(p.ctx) {
		return nil
	}

	p.mu.Lock()
	lastError := p.lastError
	p.mu.Unlock()

	return apperrors.Disconnected("daemon is not connected to IB Gateway",
		apperrors.WithDetails(map[string]any{
			"host":       p.cfg.Host,
			"port":       p.cfg.Port,
			"last_error": lastError,
		}),
		apperrors.WithSuggestion("Verify IB Gateway/TWS is running and check [gateway] config host/port/client_id."),
	)
}

// connect collapses concurrent dial attempts into one.
func (p *Provider) connect(ctx context.Context) bool {
	ok, _, _ := p.connectGroup.Do("connect", func() (any, error) {
		return p.doConnect(ctx), nil
	})
	return ok.(bool)
}

type authStatusResponse struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	ServerInfo    struct {
		ServerVersion string `json:"serverVersion"`
	} `json:"serverInfo"`
}

type accountRow struct {
	AccountID string `json:"accountId"`
}

func (p *Provider) doConnect(ctx context.Context) bool {
	if p.IsConnected() {
		return true
	}

	var auth authStatusResponse
	body, err := p.post(ctx, "/iserver/auth/status", nil)
	if err == nil {
		err = json.Unmarshal(body, &auth)
	}
	if err == nil && !auth.Authenticated {
		err = errors.New("gateway session is not authenticated")
	}
	if err != nil {
		p.connectFailed("connect failed: " + err.Error())
		return false
	}

	var accounts []accountRow
	if body, err = p.get(ctx, "/portfolio/accounts", nil); err == nil {
		err = json.Unmarshal(body, &accounts)
	}
	if err == nil && len(accounts) == 0 {
		err = errors.New("gateway reported no accounts")
	}
	if err != nil {
		p.connectFailed("connect failed: " + err.Error())
		return false
	}

	st, err := p.openStream()
	if err != nil {
		p.connectFailed("connect failed: " + err.Error())
		return false
	}

	now := time.Now().UTC()
	p.mu.Lock()
	old := p.stream
	p.stream = st
	p.connected = true
	p.connectedAt = &now
	p.lastError = ""
	p.accountID = accounts[0].AccountID
	p.serverVersion = auth.ServerInfo.ServerVersion
	p.mu.Unlock()
	if old != nil {
		// Close outside the lock: the old read loop may be mid-handler.
		old.close()
	}

	p.logConnection("connected", map[string]any{
		"host":      p.cfg.Host,
		"port":      p.cfg.Port,
		"client_id": p.cfg.ClientID,
	})
	return true
}

func (p *Provider) connectFailed(message string) {
	p.mu.Lock()
	p.lastError = message
	p.mu.Unlock()

	p.logConnection("disconnected", map[string]any{
		"host":  p.cfg.Host,
		"port":  p.cfg.Port,
		"error": message,
	})
	p.scheduleReconnect()
}

// onStreamDrop runs when the push stream dies: the session is gone, so the
// provider flips to disconnected and the reconnect loop takes over.
func (p *Provider) onStreamDrop(err error) {
	p.mu.Lock()
	alreadyDown := !p.connected
	p.connected = false
	p.connectedAt = nil
	if err != nil {
		p.lastError = err.Error()
	}
	p.stream = nil
	p.mu.Unlock()

	if alreadyDown {
		return
	}
	p.logConnection("disconnected", map[string]any{
		"host": p.cfg.Host,
		"port": p.cfg.Port,
	})
	p.scheduleReconnect()
}

func (p *Provider) scheduleReconnect() {
	if !p.cfg.AutoReconnect {
		return
	}

	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reconnectLoop()
}

// reconnectLoop retries forever with 1s doubling backoff capped by config.
func (p *Provider) reconnectLoop() {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	policy := retry.RetryPolicy{
		MaxAttempts:    0,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Duration(p.cfg.ReconnectBackoffMax) * time.Second,
	}
	err := retry.Do(p.ctx, policy, retry.Always, func() error {
		if p.IsConnected() {
			return nil
		}
		if p.doConnect(p.ctx) {
			return nil
		}
		return errors.New("gateway not reachable")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("IB reconnect loop stopped", "error", err)
	}
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
	p.logger.Info("connection event", append([]any{"event", event}, flatten(details)...)...)
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

func flatten(details map[string]any) []any {
	out := make([]any, 0, len(details)*2)
	for k, v := range details {
		out = append(out, k, v)
	}
	return out
}

// get issues a rate-limited GET against the gateway.
func (p *Provider) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.http.Get(ctx, path, params)
}

func (p *Provider) post(ctx context.Context, path string, body any) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.http.Post(ctx, path, body)
}

func (p *Provider) delete(ctx context.Context, path string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.http.Delete(ctx, path, nil)
}

func (p *Provider) account() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accountID == "" {
		return "", errors.New("gateway account id is not available")
	}
	return p.accountID, nil
}
