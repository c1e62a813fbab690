// internal/api/websocket.go
package api

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// WebSocketConnection abstracts the underlying websocket connection so the
// manager can be exercised with fake connections in tests
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() string
}

// WebSocketConnWrapper adapts *websocket.Conn to WebSocketConnection
type WebSocketConnWrapper struct {
	*websocket.Conn
}

func (w *WebSocketConnWrapper) RemoteAddr() string {
	return w.Conn.RemoteAddr().String()
}

// WebSocketClient represents one connected client scoped to a conversation
type WebSocketClient struct {
	conn           WebSocketConnection
	conversationID string
	userID         string
	send           chan []byte
	closed         int32 // atomic flag, 1 once the send channel is closed
	lastPing       time.Time
	createdAt      time.Time
}

// WebSocketMessage is the broadcast envelope routed to a conversation room
type WebSocketMessage struct {
	ConversationID string                 `json:"conversation_id"`
	Type           string                 `json:"type"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// WebSocketManager tracks connections grouped by conversation and fans
// broadcast messages out to every client in the target room
type WebSocketManager struct {
	// conversationID -> connection -> client
	connections map[string]map[WebSocketConnection]*WebSocketClient

	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	cleanup    chan string

	mutex       sync.RWMutex
	pingTimeout time.Duration
}

// Global websocket manager instance
var wsManager = NewWebSocketManager()

func init() {
	go wsManager.run()
}

// NewWebSocketManager creates a websocket manager
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]map[WebSocketConnection]*WebSocketClient),
		broadcast:   make(chan WebSocketMessage, 256),
		register:    make(chan *WebSocketClient, 64),
		unregister:  make(chan *WebSocketClient, 64),
		cleanup:     make(chan string, 16),
		pingTimeout: 60 * time.Second,
	}
}

// run processes register/unregister/broadcast events on a single goroutine
func (m *WebSocketManager) run() {
	staleTicker := time.NewTicker(m.pingTimeout)
	defer staleTicker.Stop()

	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case message := <-m.broadcast:
			m.processBroadcast(message)

		case conversationID := <-m.cleanup:
			m.cleanupConversation(conversationID)

		case <-staleTicker.C:
			m.cleanupStaleConnections()
		}
	}
}

func (m *WebSocketManager) registerClient(client *WebSocketClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	room, ok := m.connections[client.conversationID]
	if !ok {
		room = make(map[WebSocketConnection]*WebSocketClient)
		m.connections[client.conversationID] = room
	}
	room[client.conn] = client

	utils.GetLogger().Debug("WebSocket客户端已注册", map[string]interface{}{
		"conversation_id": client.conversationID,
		"user_id":         client.userID,
		"room_size":       len(room),
	})
}

func (m *WebSocketManager) unregisterClient(client *WebSocketClient) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	room, ok := m.connections[client.conversationID]
	if !ok {
		return
	}

	if _, exists := room[client.conn]; exists {
		delete(room, client.conn)
		client.closeSend()
		_ = client.conn.Close()
	}

	if len(room) == 0 {
		delete(m.connections, client.conversationID)
	}
}

// closeSend closes the send channel exactly once
func (c *WebSocketClient) closeSend() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.send)
	}
}

// isClosed reports whether the send channel has been closed
func (c *WebSocketClient) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// processBroadcast serializes a message once and enqueues it for every
// client in the conversation room. Clients whose buffers are full are
// counted as failed and dropped once the failure threshold is crossed
func (m *WebSocketManager) processBroadcast(message WebSocketMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		utils.GetLogger().Error("WebSocket消息序列化失败", map[string]interface{}{
			"conversation_id": message.ConversationID,
			"type":            message.Type,
			"error":           err.Error(),
		})
		return
	}

	m.mutex.RLock()
	room := m.connections[message.ConversationID]
	clients := make([]*WebSocketClient, 0, len(room))
	for _, client := range room {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	failedCount := 0
	for _, client := range clients {
		if client.isClosed() {
			continue
		}
		select {
		case client.send <- payload:
		default:
			failedCount++
			if failedCount <= 5 {
				// Slow consumer, detach asynchronously to keep the loop moving
				go func(c *WebSocketClient) {
					m.unregister <- c
				}(client)
			}
		}
	}

	if failedCount > 0 {
		utils.GetLogger().Warn("部分WebSocket客户端未能接收广播", map[string]interface{}{
			"conversation_id": message.ConversationID,
			"failed":          failedCount,
			"total":           len(clients),
		})
	}
}

// cleanupConversation force-closes every client in a conversation room
func (m *WebSocketManager) cleanupConversation(conversationID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	room, ok := m.connections[conversationID]
	if !ok {
		return
	}

	for conn, client := range room {
		client.closeSend()
		_ = conn.Close()
	}
	delete(m.connections, conversationID)
}

// cleanupStaleConnections drops clients that have not ping'd within the timeout
func (m *WebSocketManager) cleanupStaleConnections() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for conversationID, room := range m.connections {
		for conn, client := range room {
			if now.Sub(client.lastPing) > m.pingTimeout {
				delete(room, conn)
				client.closeSend()
				_ = conn.Close()
			}
		}
		if len(room) == 0 {
			delete(m.connections, conversationID)
		}
	}
}

// Register queues a client for registration. Returns false when the
// registration queue is saturated
func (m *WebSocketManager) Register(client *WebSocketClient) bool {
	select {
	case m.register <- client:
		return true
	default:
		return false
	}
}

// Unregister queues a client for removal
func (m *WebSocketManager) Unregister(client *WebSocketClient) {
	select {
	case m.unregister <- client:
	default:
		// Queue full, detach inline as a fallback
		m.unregisterClient(client)
	}
}

// BroadcastToConversation pushes a typed message to every client attached
// to the conversation. Drops the message when the broadcast queue is full
func (m *WebSocketManager) BroadcastToConversation(conversationID, messageType string, data map[string]interface{}) {
	message := WebSocketMessage{
		ConversationID: conversationID,
		Type:           messageType,
		Data:           data,
		Timestamp:      time.Now(),
	}

	select {
	case m.broadcast <- message:
	default:
		utils.GetLogger().Warn("WebSocket广播队列已满，消息被丢弃", map[string]interface{}{
			"conversation_id": conversationID,
			"type":            messageType,
		})
	}
}

// ConversationClientCount returns the number of clients in a conversation room
func (m *WebSocketManager) ConversationClientCount(conversationID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections[conversationID])
}

// GetStatus reports room and client counts for the status endpoint
func (m *WebSocketManager) GetStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	totalClients := 0
	rooms := make(map[string]int, len(m.connections))
	for conversationID, room := range m.connections {
		rooms[conversationID] = len(room)
		totalClients += len(room)
	}

	return map[string]interface{}{
		"total_connections":    totalClients,
		"active_conversations": len(m.connections),
		"rooms":                rooms,
		"ping_timeout_seconds": int(m.pingTimeout.Seconds()),
	}
}
