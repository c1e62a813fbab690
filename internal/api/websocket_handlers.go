// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/di"
	"github.com/Draftsmith/ScriptForge/internal/services"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 本地创作工具，允许所有来源
		return true
	},
}

// WebSocketHandler 处理会话实时通道：聊天回合与生成进度推送
type WebSocketHandler struct {
	conversation *services.ConversationService
	progress     *services.ProgressService
}

// NewWebSocketHandler 从容器中取出依赖服务
func NewWebSocketHandler() (*WebSocketHandler, error) {
	container := di.GetContainer()

	conversationService, ok := container.Get("conversation").(*services.ConversationService)
	if !ok {
		return nil, fmt.Errorf("会话服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	return &WebSocketHandler{
		conversation: conversationService,
		progress:     progressService,
	}, nil
}

// ConversationWebSocket 建立 /ws/conversation/:id 连接。
// 连接生命周期与HTTP请求上下文绑定
func (h *WebSocketHandler) ConversationWebSocket(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "会话ID不能为空"})
		return
	}

	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Error("WebSocket升级失败", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return
	}

	now := time.Now()
	client := &WebSocketClient{
		conn:           &WebSocketConnWrapper{conn},
		conversationID: conversationID,
		userID:         userID,
		send:           make(chan []byte, 256),
		lastPing:       now,
		createdAt:      now,
	}

	if !wsManager.Register(client) {
		utils.GetLogger().Warn("WebSocket注册队列已满，连接被拒绝", map[string]interface{}{
			"conversation_id": conversationID,
		})
		_ = conn.Close()
		return
	}

	defer func() {
		done := make(chan struct{})
		go func() {
			wsManager.Unregister(client)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			utils.GetLogger().Warn("WebSocket注销超时", map[string]interface{}{
				"conversation_id": conversationID,
			})
		}
	}()

	go h.handleWebSocketWrites(client, conn)
	go h.handleWebSocketReads(client, conn)

	h.sendToClient(client, map[string]interface{}{
		"type":            "connected",
		"conversation_id": conversationID,
		"message":         "Connected. Chat turns and generation progress will stream here.",
		"timestamp":       time.Now().Format(time.RFC3339),
	})

	<-c.Request.Context().Done()
}

// handleWebSocketReads 读取客户端消息并分发
func (h *WebSocketHandler) handleWebSocketReads(client *WebSocketClient, conn *websocket.Conn) {
	defer wsManager.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		client.lastPing = time.Now()
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				utils.GetLogger().Debug("WebSocket连接异常关闭", map[string]interface{}{
					"conversation_id": client.conversationID,
					"error":           err.Error(),
				})
			}
			return
		}

		var message map[string]interface{}
		if err := json.Unmarshal(data, &message); err != nil {
			h.sendToClient(client, map[string]interface{}{
				"type":  "error",
				"error": "Invalid message format, expected JSON",
			})
			continue
		}

		h.handleMessage(client, message)
	}
}

// handleWebSocketWrites 将send通道中的消息写出并维持心跳
func (h *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient, conn *websocket.Conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 按type字段分发入站消息
func (h *WebSocketHandler) handleMessage(client *WebSocketClient, message map[string]interface{}) {
	messageType, _ := message["type"].(string)

	switch messageType {
	case "ping":
		client.lastPing = time.Now()
		h.sendToClient(client, map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Format(time.RFC3339),
		})

	case "chat":
		text, _ := message["message"].(string)
		optionSelected, _ := message["option_selected"].(string)
		if text == "" && optionSelected == "" {
			h.sendToClient(client, map[string]interface{}{
				"type":  "error",
				"error": "Chat message cannot be empty",
			})
			return
		}
		go h.handleChatTurn(client, text, optionSelected)

	case "subscribe_progress":
		go h.streamProgress(client)

	default:
		h.sendToClient(client, map[string]interface{}{
			"type":  "error",
			"error": fmt.Sprintf("Unknown message type: %s", messageType),
		})
	}
}

// handleChatTurn 在连接协程之外执行一个完整聊天回合。
// 生成类指令的进度由streamProgress并行推送
func (h *WebSocketHandler) handleChatTurn(client *WebSocketClient, text, optionSelected string) {
	go h.streamProgress(client)

	cfg := config.GetCurrentConfig()
	timeout := 120 * time.Second
	if cfg != nil && cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := h.conversation.HandleMessage(ctx, services.ChatRequest{
		ConversationID: client.conversationID,
		Message:        text,
		OptionSelected: optionSelected,
	})
	if err != nil {
		utils.GetLogger().Error("WebSocket聊天回合失败", map[string]interface{}{
			"conversation_id": client.conversationID,
			"error":           err.Error(),
		})
		h.sendToClient(client, map[string]interface{}{
			"type":  "error",
			"error": err.Error(),
		})
		return
	}

	h.sendToClient(client, map[string]interface{}{
		"type":            "chat_response",
		"conversation_id": reply.ConversationID,
		"response":        reply.Response,
		"options":         reply.Options,
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

// streamProgress 等待会话出现进行中的生成任务并转发其进度，
// 任务结束后退出
func (h *WebSocketHandler) streamProgress(client *WebSocketClient) {
	tracker := h.waitForRunningTracker(client.conversationID, 30*time.Second)
	if tracker == nil {
		return
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			h.sendToClient(client, map[string]interface{}{
				"type":            "progress",
				"conversation_id": update.ConversationID,
				"stage":           update.Stage,
				"progress":        update.Progress,
				"message":         update.Message,
				"status":          update.Status,
			})
			if update.Status != services.ProgressRunning {
				return
			}

		case <-tracker.Done():
			// 排空终态快照后退出
			for {
				select {
				case update, ok := <-updates:
					if !ok {
						return
					}
					h.sendToClient(client, map[string]interface{}{
						"type":            "progress",
						"conversation_id": update.ConversationID,
						"stage":           update.Stage,
						"progress":        update.Progress,
						"message":         update.Message,
						"status":          update.Status,
					})
				default:
					return
				}
			}
		}
	}
}

// waitForRunningTracker 轮询等待跟踪器出现，超时返回nil
func (h *WebSocketHandler) waitForRunningTracker(conversationID string, timeout time.Duration) *services.ProgressTracker {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if tracker, ok := h.progress.GetTracker(conversationID); ok {
			return tracker
		}
		if time.Now().After(deadline) {
			return nil
		}
		<-ticker.C
	}
}

// sendToClient 非阻塞投递，缓冲满时丢弃
func (h *WebSocketHandler) sendToClient(client *WebSocketClient, message map[string]interface{}) {
	if client.isClosed() {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return
	}

	select {
	case client.send <- payload:
	default:
		utils.GetLogger().Warn("WebSocket客户端缓冲已满，消息被丢弃", map[string]interface{}{
			"conversation_id": client.conversationID,
		})
	}
}

// WebSocketStatus 返回连接管理器状态
func (h *WebSocketHandler) WebSocketStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      wsManager.GetStatus(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
