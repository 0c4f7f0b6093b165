package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/exchange"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/auth"
)

const (
	// ChannelOffers carries every change to publicly listed offers.
	ChannelOffers = "offers"
	// ownerChannelPrefix + address carries changes to that owner's offers and
	// trades, private offers included. Only that owner may subscribe.
	ownerChannelPrefix = "owner:"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

func OwnerChannel(addr string) string {
	return ownerChannelPrefix + strings.ToLower(addr)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced on the REST routes; owner channels need a credential.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans committed engine events out to websocket clients. It implements
// exchange.Notifier; Notify never blocks, a client whose buffer is full
// misses the message.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Run serves registrations until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("ws_client_disconnected", "client", client.id, "total", n)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Notify implements exchange.Notifier.
func (h *Hub) Notify(ev exchange.Event) {
	if ev.Offer == nil {
		return
	}
	channels := []string{OwnerChannel(ev.Offer.Creator.Hex())}
	if ev.Offer.Visibility != offer.VisibilityPrivate {
		channels = append(channels, ChannelOffers)
	}
	if ev.Record != nil {
		channels = append(channels, OwnerChannel(ev.Record.Buyer.Hex()))
	}
	for _, ch := range channels {
		h.BroadcastToChannel(ch, WSMessage{Channel: ch, Type: string(ev.Type), Data: ev})
	}
}

// BroadcastToChannel sends data to all clients subscribed to channel.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.log.Warnw("ws_client_lagging", "client", client.id, "channel", channel)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendTo queues message for c if it is still connected.
func (h *Hub) sendTo(c *Client, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	// owner is the authenticated caller, nil for anonymous clients.
	owner *common.Address

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[channel] = true
	c.subsMu.Unlock()
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()
}

// validChannel accepts the public feed and owner channels.
func validChannel(ch string) bool {
	if ch == ChannelOffers {
		return true
	}
	addr, ok := strings.CutPrefix(ch, ownerChannelPrefix)
	return ok && len(addr) == 42 && strings.HasPrefix(addr, "0x")
}

// mayJoin reports whether c may subscribe to ch. An owner channel is open
// only to the owner it names.
func (c *Client) mayJoin(ch string) bool {
	if !strings.HasPrefix(ch, ownerChannelPrefix) {
		return true
	}
	return c.owner != nil && ch == OwnerChannel(c.owner.Hex())
}

// readPump handles subscription requests until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.sendTo(c, WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				ch = strings.ToLower(ch)
				if !validChannel(ch) {
					c.hub.sendTo(c, WSMessage{Channel: ch, Type: "error", Data: "unknown channel"})
					continue
				}
				if !c.mayJoin(ch) {
					c.hub.sendTo(c, WSMessage{Channel: ch, Type: "error", Data: "channel requires the owner's credential"})
					continue
				}
				c.Subscribe(ch)
				c.hub.sendTo(c, WSMessage{Channel: ch, Type: "subscribed"})
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				ch = strings.ToLower(ch)
				c.Unsubscribe(ch)
				c.hub.sendTo(c, WSMessage{Channel: ch, Type: "unsubscribed"})
			}
		default:
			c.hub.sendTo(c, WSMessage{Type: "error", Data: "unknown op"})
		}
	}
}

// writePump drains c.send to the connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleWebSocket upgrades the connection. A credential is optional and may
// come as a bearer header or a token query parameter, since browsers cannot
// set headers on websocket requests. A present but invalid credential is
// rejected before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var owner *common.Address
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		if s.auth == nil {
			respondError(w, apperr.New(apperr.CodeUnauthenticated, "authentication is not configured"))
			return
		}
		addr, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			respondError(w, err)
			return
		}
		owner = &addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		owner:         owner,
		subscriptions: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
