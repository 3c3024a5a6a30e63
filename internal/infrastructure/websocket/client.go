// Package websocket provides a thin WebSocket session used by provider
// stream bridges. The session covers exactly one connection; reconnect
// policy belongs to the owner, which decides when to dial again.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"brokerd/internal/core"

	"github.com/gorilla/websocket"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// DropHandler is called once when the read loop exits.
type DropHandler func(err error)

// Session is a single WebSocket connection with a background read loop.
type Session struct {
	url     string
	handler MessageHandler
	onDrop  DropHandler

	conn    *websocket.Conn
	writeMu sync.Mutex

	logger core.ILogger

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial connects and starts the read loop. The context bounds the handshake
// only; the session stays open until Close or a read error.
func Dial(ctx context.Context, url string, handler MessageHandler, onDrop DropHandler, logger core.ILogger) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		url:     url,
		handler: handler,
		onDrop:  onDrop,
		conn:    conn,
		logger:  logger,
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// SendText writes a raw text frame, e.g. a subscription command.
func (s *Session) SendText(payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// SendJSON marshals v and writes it as a text frame.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down and waits for the read loop to finish.
// The drop handler does not fire for a deliberate close.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closed) })
	s.conn.Close()
	s.wg.Wait()
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if s.logger != nil {
					s.logger.Warn("WebSocket read failed", "error", err, "url", s.url)
				}
				if s.onDrop != nil {
					s.onDrop(err)
				}
			}
			return
		}

		if s.handler != nil {
			s.handler(message)
		}
	}
}
