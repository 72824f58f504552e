package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func TestHub_ConnectionCount_Empty(t *testing.T) {
	hub := NewHub()
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestHub_Broadcast_NoSubscribers(t *testing.T) {
	hub := NewHub()

	msg := &Message{
		Type: "job_progress",
		Data: map[string]string{"job_id": "abc"},
	}

	// 没有订阅者时不报错
	err := hub.Broadcast("abc", msg)
	assert.NoError(t, err)
}

// wsServer 把每个进来的连接按 job_id 查询参数注册到 hub
func wsServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		client := &Client{
			JobID: r.URL.Query().Get("job_id"),
			Conn:  conn,
		}
		hub.Register(client)

		time.Sleep(500 * time.Millisecond)
		hub.Unregister(client)
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_Broadcast_JobSubscriber(t *testing.T) {
	hub := NewHub()
	server := wsServer(t, hub)

	conn := dial(t, server, "?job_id=job-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount())

	msg := &Message{
		Type: "job_progress",
		Data: map[string]interface{}{"job_id": "job-1", "progress": 45},
	}
	require.NoError(t, hub.Broadcast("job-1", msg))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, received, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(received), "job_progress")
	assert.Contains(t, string(received), "job-1")
}

func TestHub_Broadcast_FirehoseReceivesAllJobs(t *testing.T) {
	hub := NewHub()
	server := wsServer(t, hub)

	firehose := dial(t, server, "")
	other := dial(t, server, "?job_id=job-2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, hub.ConnectionCount())

	require.NoError(t, hub.Broadcast("job-1", &Message{Type: "job_progress", Data: map[string]string{"job_id": "job-1"}}))

	firehose.SetReadDeadline(time.Now().Add(time.Second))
	_, received, err := firehose.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(received), "job-1")

	// 订阅 job-2 的连接收不到 job-1 的消息
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_MultipleSubscribersPerJob(t *testing.T) {
	hub := NewHub()
	server := wsServer(t, hub)

	conn1 := dial(t, server, "?job_id=job-3")
	conn2 := dial(t, server, "?job_id=job-3")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, hub.ConnectionCount())

	require.NoError(t, hub.Broadcast("job-3", &Message{Type: "job_progress", Data: map[string]string{"job_id": "job-3"}}))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, received, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(received), "job-3")
	}
}
