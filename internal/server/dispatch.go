package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

// knownCommands lists every wire command, including the streaming
// events.subscribe which never reaches the dispatcher.
var knownCommands = []string{
	"daemon.status",
	"daemon.stop",
	"quote.snapshot",
	"market.capabilities",
	"market.history",
	"market.chain",
	"portfolio.positions",
	"portfolio.balance",
	"portfolio.pnl",
	"portfolio.exposure",
	"portfolio.snapshot",
	"order.place",
	"order.bracket",
	"order.status",
	"orders.list",
	"order.cancel",
	"orders.cancel_all",
	"fills.list",
	"risk.check",
	"risk.limits",
	"risk.set",
	"risk.halt",
	"risk.resume",
	"risk.override",
	"runtime.keepalive",
	"events.subscribe",
	"audit.commands",
	"audit.orders",
	"audit.risk",
	"audit.export",
	"schema.get",
}

// handlerFunc executes one dispatched command.
type handlerFunc func(ctx context.Context, req *protocol.Request) (any, error)

// commandSpec ties a wire command to its handler and an optional provider
// capability gate checked before the handler runs.
type commandSpec struct {
	handler         handlerFunc
	capability      string
	capabilityLabel string
}

func (s *Server) registerCommands() {
	s.commands = map[string]*commandSpec{
		"daemon.status":       {handler: s.handleDaemonStatus},
		"daemon.stop":         {handler: s.handleDaemonStop},
		"quote.snapshot":      {handler: s.handleQuoteSnapshot},
		"market.capabilities": {handler: s.handleMarketCapabilities},
		"market.history":      {handler: s.handleMarketHistory, capability: core.CapHistory, capabilityLabel: "historical bars"},
		"market.chain":        {handler: s.handleMarketChain, capability: core.CapOptionChain, capabilityLabel: "option chains"},
		"portfolio.positions": {handler: s.handlePortfolioPositions},
		"portfolio.balance":   {handler: s.handlePortfolioBalance},
		"portfolio.pnl":       {handler: s.handlePortfolioPnL},
		"portfolio.exposure":  {handler: s.handlePortfolioExposure, capability: core.CapExposure, capabilityLabel: "portfolio exposure"},
		"portfolio.snapshot":  {handler: s.handlePortfolioSnapshot},
		"order.place":         {handler: s.handleOrderPlace},
		"order.bracket":       {handler: s.handleOrderBracket, capability: core.CapBracketOrders, capabilityLabel: "bracket orders"},
		"order.status":        {handler: s.handleOrderStatus},
		"orders.list":         {handler: s.handleOrdersList},
		"order.cancel":        {handler: s.handleOrderCancel},
		"orders.cancel_all":   {handler: s.handleOrdersCancelAll},
		"fills.list":          {handler: s.handleFillsList},
		"risk.check":          {handler: s.handleRiskCheck},
		"risk.limits":         {handler: s.handleRiskLimits},
		"risk.set":            {handler: s.handleRiskSet},
		"risk.halt":           {handler: s.handleRiskHalt},
		"risk.resume":         {handler: s.handleRiskResume},
		"risk.override":       {handler: s.handleRiskOverride},
		"runtime.keepalive":   {handler: s.handleKeepalive},
		"audit.commands":      {handler: s.handleAuditCommands},
		"audit.orders":        {handler: s.handleAuditOrders},
		"audit.risk":          {handler: s.handleAuditRisk},
		"audit.export":        {handler: s.handleAuditExport},
		"schema.get":          {handler: s.handleSchemaGet},
	}
}

// dispatch routes one non-streaming request to its handler.
func (s *Server) dispatch(ctx context.Context, req *protocol.Request) (any, error) {
	spec, ok := s.commands[req.Command]
	if !ok {
		return nil, unknownCommandError(req.Command)
	}
	if spec.capability != "" {
		if err := s.requireCapability(spec.capability, spec.capabilityLabel); err != nil {
			return nil, err
		}
	}
	return spec.handler(ctx, req)
}

func (s *Server) requireCapability(capability, label string) error {
	if s.provider.Capabilities().Has(capability) {
		return nil
	}
	return apperrors.InvalidArgs(fmt.Sprintf("provider does not support %s", label))
}

func unknownCommandError(command string) *apperrors.Error {
	known := append([]string(nil), knownCommands...)
	sort.Strings(known)
	opts := []apperrors.Option{apperrors.WithDetail("known_commands", known)}
	if matches := closeMatches(command, knownCommands, 3, 0.45); len(matches) > 0 {
		opts = append(opts, apperrors.WithSuggestion("Did you mean: "+strings.Join(matches, ", ")))
	}
	return apperrors.InvalidArgs(fmt.Sprintf("unknown command '%s'", command), opts...)
}
