// Package notify рассылает изменения заказов подписчикам: в websocket-комнаты и в Kafka.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1024
	sendBuffer     = 16
)

// Event описывает сообщение, отправляемое в комнату.
type Event struct {
	Event string `json:"event"`
	Room  string `json:"room"`
	Data  any    `json:"data"`
}

// command описывает сообщение клиента.
type command struct {
	Action    string `json:"action"`
	Reference string `json:"reference"`
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Hub держит websocket-подключения, сгруппированные по комнатам.
// Комната совпадает с номером заказа.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub создаёт пустой hub. allowedOrigins ограничивает Origin при подключении; пустой список разрешает любой.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		rooms:  make(map[string]map[*client]struct{}),
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS переводит соединение в websocket и обслуживает его до отключения клиента.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}

	go c.writePump()
	c.readPump()
}

// join добавляет клиента в комнату.
func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// unregister убирает клиента из всех комнат и закрывает его очередь отправки.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	close(c.send)
}

// Members возвращает число подписчиков комнаты.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast отправляет событие всем подписчикам комнаты. Медленные клиенты,
// у которых переполнена очередь, пропускают событие.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any) error {
	msg, err := json.Marshal(Event{Event: event, Room: room, Data: payload})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket send buffer full, dropping event",
				zap.String("room", room),
				zap.String("event", event))
		}
	}
	return nil
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Reference == "" {
			c.hub.logger.Debug("ignoring malformed websocket message", zap.ByteString("message", raw))
			continue
		}

		switch cmd.Action {
		case "join":
			c.hub.join(c, cmd.Reference)
			c.hub.logger.Debug("client joined room", zap.String("room", cmd.Reference))
		case "leave":
			c.hub.leave(c, cmd.Reference)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
