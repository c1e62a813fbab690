// internal/api/websocket_test.go
package api

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeWSConn struct {
	mu     sync.Mutex
	closed bool
	addr   string
}

func (c *fakeWSConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeWSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeWSConn) RemoteAddr() string { return c.addr }

func (c *fakeWSConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestWSClient(conversationID, userID string, buffer int) *WebSocketClient {
	return &WebSocketClient{
		conn:           &fakeWSConn{addr: "test:" + userID},
		conversationID: conversationID,
		userID:         userID,
		send:           make(chan []byte, buffer),
		lastPing:       time.Now(),
		createdAt:      time.Now(),
	}
}

func startTestManager() *WebSocketManager {
	m := NewWebSocketManager()
	go m.run()
	return m
}

func waitForCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerTracksRooms(t *testing.T) {
	m := startTestManager()

	a1 := newTestWSClient("conv-a", "u1", 8)
	a2 := newTestWSClient("conv-a", "u2", 8)
	b1 := newTestWSClient("conv-b", "u3", 8)
	for _, c := range []*WebSocketClient{a1, a2, b1} {
		if !m.Register(c) {
			t.Fatal("注册队列不应饱和")
		}
	}

	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 2 }, "conv-a应有2个客户端")
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-b") == 1 }, "conv-b应有1个客户端")

	status := m.GetStatus()
	if status["total_connections"] != 3 {
		t.Errorf("total_connections = %v, 期望3", status["total_connections"])
	}
	if status["active_conversations"] != 2 {
		t.Errorf("active_conversations = %v, 期望2", status["active_conversations"])
	}
	rooms, ok := status["rooms"].(map[string]int)
	if !ok || rooms["conv-a"] != 2 || rooms["conv-b"] != 1 {
		t.Errorf("rooms = %v", status["rooms"])
	}
}

func TestBroadcastReachesOnlyTargetRoom(t *testing.T) {
	m := startTestManager()

	target := newTestWSClient("conv-a", "u1", 8)
	sibling := newTestWSClient("conv-a", "u2", 8)
	outsider := newTestWSClient("conv-b", "u3", 8)
	for _, c := range []*WebSocketClient{target, sibling, outsider} {
		m.Register(c)
	}
	waitForCondition(t, func() bool {
		return m.ConversationClientCount("conv-a") == 2 && m.ConversationClientCount("conv-b") == 1
	}, "客户端注册未完成")

	m.BroadcastToConversation("conv-a", "generation_progress", map[string]interface{}{"progress": 50})

	recv := func(c *WebSocketClient) WebSocketMessage {
		t.Helper()
		select {
		case payload := <-c.send:
			var msg WebSocketMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("解析广播消息失败: %v", err)
			}
			return msg
		case <-time.After(2 * time.Second):
			t.Fatal("等待广播消息超时")
			return WebSocketMessage{}
		}
	}

	for _, c := range []*WebSocketClient{target, sibling} {
		msg := recv(c)
		if msg.ConversationID != "conv-a" || msg.Type != "generation_progress" {
			t.Errorf("广播信封不符: %+v", msg)
		}
		if msg.Data["progress"] != float64(50) {
			t.Errorf("Data.progress = %v, 期望50", msg.Data["progress"])
		}
		if msg.Timestamp.IsZero() {
			t.Error("广播缺少时间戳")
		}
	}

	select {
	case payload := <-outsider.send:
		t.Errorf("其他会话的客户端不应收到广播: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnregisterClosesClient(t *testing.T) {
	m := startTestManager()

	client := newTestWSClient("conv-a", "u1", 8)
	m.Register(client)
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 1 }, "注册未完成")

	m.Unregister(client)
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 0 }, "注销未完成")

	select {
	case _, open := <-client.send:
		if open {
			t.Error("注销后send通道应关闭")
		}
	case <-time.After(time.Second):
		t.Error("send通道未关闭")
	}
	if !client.conn.(*fakeWSConn).wasClosed() {
		t.Error("注销应关闭底层连接")
	}

	// 重复注销无副作用
	m.Unregister(client)
}

func TestSlowConsumerIsDetached(t *testing.T) {
	m := startTestManager()

	slow := newTestWSClient("conv-a", "u1", 1)
	m.Register(slow)
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 1 }, "注册未完成")

	// 第一条填满发送缓冲，第二条触发慢消费者剔除
	m.BroadcastToConversation("conv-a", "chunk", map[string]interface{}{"seq": 1})
	waitForCondition(t, func() bool { return len(slow.send) == 1 }, "第一条广播未入队")
	m.BroadcastToConversation("conv-a", "chunk", map[string]interface{}{"seq": 2})

	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 0 }, "慢消费者应被剔除")
	waitForCondition(t, slow.isClosed, "慢消费者的send通道应关闭")
}

func TestCleanupConversationClosesRoom(t *testing.T) {
	m := startTestManager()

	c1 := newTestWSClient("conv-a", "u1", 8)
	c2 := newTestWSClient("conv-a", "u2", 8)
	m.Register(c1)
	m.Register(c2)
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 2 }, "注册未完成")

	m.cleanup <- "conv-a"
	waitForCondition(t, func() bool { return m.ConversationClientCount("conv-a") == 0 }, "清理未完成")

	if !c1.isClosed() || !c2.isClosed() {
		t.Error("清理会话应关闭所有客户端的send通道")
	}
	if !c1.conn.(*fakeWSConn).wasClosed() {
		t.Error("清理会话应关闭底层连接")
	}
}

func TestRegisterReportsSaturation(t *testing.T) {
	// 不启动run循环，让注册队列保持占用
	m := NewWebSocketManager()

	for i := 0; i < 64; i++ {
		if !m.Register(newTestWSClient("conv-a", fmt.Sprintf("u%d", i), 1)) {
			t.Fatalf("第%d次注册不应失败", i+1)
		}
	}
	if m.Register(newTestWSClient("conv-a", "overflow", 1)) {
		t.Error("注册队列满时应返回false")
	}
}
