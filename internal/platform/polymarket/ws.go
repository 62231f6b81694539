package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = 10 * time.Second
)

// BookHandler is called for every full book pushed on the market channel.
type BookHandler func(BookEvent)

// PriceChangeHandler is called for every level change on the market channel.
type PriceChangeHandler func(PriceChangeEvent)

// WSClient is one connection to the CLOB market channel. It does not
// reconnect by itself: Listen returns when the connection drops and the
// owner decides when to dial again.
type WSClient struct {
	wsURL string

	mu   sync.Mutex // serialises writes and guards conn
	conn *websocket.Conn

	handlerMu     sync.RWMutex
	bookHandlers  []BookHandler
	priceHandlers []PriceChangeHandler
}

// NewWSClient creates a client for the market channel URL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{wsURL: wsURL}
}

// OnBook registers a book handler.
func (w *WSClient) OnBook(h BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, h)
}

// OnPriceChange registers a price change handler.
func (w *WSClient) OnPriceChange(h PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.priceHandlers = append(w.priceHandlers, h)
}

// Connect dials the market channel, replacing any previous connection.
func (w *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w: %v", domain.ErrTransientNetwork, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w.mu.Lock()
	old := w.conn
	w.conn = conn
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Subscribe requests book and price_change events for the given tokens.
func (w *WSClient) Subscribe(assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	return w.writeJSON(wsSubscribe{AssetsIDs: assetIDs, Type: "market"})
}

// Listen reads and dispatches events until the connection fails or ctx is
// cancelled. It always returns a non-nil error.
func (w *WSClient) Listen(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("polymarket/ws: %w: not connected", domain.ErrWSDisconnect)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go w.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		w.handleMessage(message)
	}
}

// Close shuts down the current connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *WSClient) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: %w: not connected", domain.ErrWSDisconnect)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: write: %w", err)
	}
	return nil
}

// pingLoop keeps the connection alive with control pings and the
// application-level "PING" heartbeat the market channel expects.
func (w *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			if err == nil {
				err = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			}
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage decodes one frame (a single event or an array of events) and
// routes each event by event_type.
func (w *WSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return // PONG and other non-JSON frames
	}

	var events []wsEvent
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		events = []wsEvent{ev}
	}

	w.handlerMu.RLock()
	bookHandlers := w.bookHandlers
	priceHandlers := w.priceHandlers
	w.handlerMu.RUnlock()

	for i := range events {
		switch events[i].EventType {
		case "book":
			be := events[i].toBook()
			for _, h := range bookHandlers {
				h(be)
			}
		case "price_change":
			for _, pc := range events[i].toPriceChanges() {
				for _, h := range priceHandlers {
					h(pc)
				}
			}
		}
	}
}
