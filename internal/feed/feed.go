// Package feed broadcasts detected opportunities to websocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"arbscout/internal/detector"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Hop is one swap of a broadcast opportunity.
type Hop struct {
	Pool       string `json:"pool"`
	ZeroForOne bool   `json:"zero_for_one"`
}

// Message is the JSON form of an opportunity.
type Message struct {
	Batch        uint64    `json:"batch"`
	Path         []string  `json:"path"`
	Symbols      []string  `json:"symbols"`
	Hops         []Hop     `json:"hops"`
	Input        string    `json:"input"`
	Output       string    `json:"output"`
	Profit       string    `json:"profit"`
	ProfitHuman  string    `json:"profit_human"`
	ProfitFactor float64   `json:"profit_factor"`
	WeightSum    float64   `json:"weight_sum"`
	Converged    bool      `json:"converged"`
	DetectedAt   time.Time `json:"detected_at"`
}

// NewMessage converts opp to its broadcast form.
func NewMessage(opp *detector.Opportunity) Message {
	msg := Message{
		Batch:        opp.Batch,
		Path:         make([]string, len(opp.Tokens)),
		Symbols:      make([]string, len(opp.Tokens)),
		Hops:         make([]Hop, len(opp.Hops)),
		Input:        opp.InputAmount.String(),
		Output:       opp.ExpectedOutput.String(),
		Profit:       opp.ExpectedProfit.String(),
		ProfitFactor: opp.ProfitFactor,
		WeightSum:    opp.WeightSum,
		Converged:    opp.Converged,
		DetectedAt:   opp.DetectedAt,
	}
	for i, t := range opp.Tokens {
		msg.Path[i] = t.Address.Hex()
		msg.Symbols[i] = t.Symbol
	}
	for i, h := range opp.Hops {
		msg.Hops[i] = Hop{Pool: h.Pool.Hex(), ZeroForOne: h.ZeroForOne}
	}
	if len(opp.Tokens) > 0 {
		msg.ProfitHuman = opp.Tokens[0].FormatAmount(opp.ExpectedProfit)
	}
	return msg
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks subscribers and fans messages out to them. A subscriber whose
// buffer is full misses the message.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	dropped atomic.Int64
	server  *http.Server
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Debug().Str("remote", r.RemoteAddr).Msg("Feed subscriber connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of messages not delivered to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Broadcast sends opp to every subscriber and returns how many received it.
func (h *Hub) Broadcast(opp *detector.Opportunity) (int, error) {
	data, err := json.Marshal(NewMessage(opp))
	if err != nil {
		return 0, fmt.Errorf("encoding opportunity: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- data:
			sent++
		default:
			h.dropped.Add(1)
		}
	}
	return sent, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Feed subscriber read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StartServer serves the feed on port at path.
func (h *Hub) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)

	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting opportunity feed")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Feed server error")
		}
	}()

	return nil
}

// Shutdown stops the server and disconnects every subscriber.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}
