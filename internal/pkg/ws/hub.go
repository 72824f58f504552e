package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 按任务分发进度消息。
// 一个任务可以有多个订阅连接（多标签页、重连等场景）；
// 订阅空 job 的连接收到所有任务的进度。
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	JobID string // 订阅的任务，空表示全部
	Conn  *websocket.Conn
	mu    sync.Mutex // 写锁，防止并发写入
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.JobID] == nil {
		h.clients[client.JobID] = make(map[*Client]struct{})
	}
	h.clients[client.JobID][client] = struct{}{}

	log.Printf("WS client subscribed, job=%q total=%d", client.JobID, h.connectionCountLocked())
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.JobID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.JobID)
		}
	}
	log.Printf("WS client disconnected, job=%q", client.JobID)
}

// Broadcast 把一条进度消息发给该任务的订阅者和全量订阅者
func (h *Hub) Broadcast(jobID string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	// 复制一份引用，避免长时间持锁
	var clients []*Client
	for c := range h.clients[jobID] {
		clients = append(clients, c)
	}
	for c := range h.clients[""] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.Conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			log.Printf("WS write error for job %q: %v", jobID, err)
		}
	}
	return nil
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectionCountLocked()
}

func (h *Hub) connectionCountLocked() int {
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}
