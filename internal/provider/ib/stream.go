package ib

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/infrastructure/websocket"
)

// Gateway push topics. "sor" carries live order updates, "str" carries
// executions, "system" carries heartbeats.
const (
	topicOrders    = "sor"
	topicTrades    = "str"
	topicSystem    = "system"
	subscribeDelay = 100 * time.Millisecond
)

type stream struct {
	session *websocket.Session
}

type streamMessage struct {
	Topic string            `json:"topic"`
	Args  []json.RawMessage `json:"args"`
}

type streamOrderUpdate struct {
	OrderID           *int64   `json:"orderId"`
	OrderRef          string   `json:"order_ref"`
	Status            string   `json:"status"`
	FilledQuantity    *float64 `json:"filledQuantity"`
	RemainingQuantity *float64 `json:"remainingQuantity"`
}

type streamExecution struct {
	ExecutionID string   `json:"execution_id"`
	OrderRef    string   `json:"order_ref"`
	Symbol      string   `json:"symbol"`
	Size        *float64 `json:"size"`
	Price       *float64 `json:"price"`
	OrderID     *int64   `json:"orderId"`
}

// openStream dials the push socket and subscribes to order and execution
// updates. The handshake is bounded; the session then lives until the
// gateway drops it or the provider stops.
func (p *Provider) openStream() (*stream, error) {
	url := fmt.Sprintf("ws://%s:%d/v1/api/ws", p.cfg.Host, p.cfg.Port)

	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	session, err := websocket.Dial(ctx, url, p.handleStreamMessage, p.onStreamDrop, p.logger)
	if err != nil {
		return nil, err
	}

	// The gateway ignores subscriptions sent before its session banner, so
	// give it a beat before subscribing.
	time.Sleep(subscribeDelay)
	for _, sub := range []string{topicOrders + "+{}", topicTrades + "+{}"} {
		if err := session.SendText(sub); err != nil {
			session.Close()
			return nil, err
		}
	}
	return &stream{session: session}, nil
}

func (s *stream) close() {
	if s != nil && s.session != nil {
		s.session.Close()
	}
}

func (p *Provider) handleStreamMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	switch msg.Topic {
	case topicSystem:
		now := time.Now().UTC()
		p.mu.Lock()
		p.lastHeartbeat = &now
		p.mu.Unlock()
	case topicOrders:
		for _, raw := range msg.Args {
			var update streamOrderUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				continue
			}
			p.publish(core.TopicOrders, map[string]any{
				"ib_order_id":     update.OrderID,
				"client_order_id": update.OrderRef,
				"status":          string(normalizeOrderStatus(update.Status)),
				"filled":          update.FilledQuantity,
				"remaining":       update.RemainingQuantity,
			})
		}
	case topicTrades:
		for _, raw := range msg.Args {
			var exec streamExecution
			if err := json.Unmarshal(raw, &exec); err != nil {
				continue
			}
			p.publish(core.TopicFills, map[string]any{
				"ib_order_id":     exec.OrderID,
				"client_order_id": exec.OrderRef,
				"symbol":          exec.Symbol,
				"qty":             exec.Size,
				"price":           exec.Price,
				"fill_id":         exec.ExecutionID,
			})
		}
	}
}
