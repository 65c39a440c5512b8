// internal/api/websocket.go
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/services"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 本机回环UI，不做跨域校验
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub 把演出事件广播给所有已连接的前端
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan services.StoryEvent
}

// NewHub 创建广播中心
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan services.StoryEvent)}
}

// Run 消费调度器事件流并广播，events关闭时退出
func (h *Hub) Run(events <-chan services.StoryEvent) {
	for ev := range events {
		h.mu.Lock()
		for conn, ch := range h.clients {
			select {
			case ch <- ev:
			default:
				// 慢客户端不拖慢广播
				utils.GetLogger().Warn("客户端事件队列已满，丢弃事件", map[string]interface{}{
					"remote": conn.RemoteAddr().String(),
				})
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) register(conn *websocket.Conn) chan services.StoryEvent {
	ch := make(chan services.StoryEvent, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

// EventsWebSocket 升级连接并持续推送演出事件
func (h *Handler) EventsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Error("WebSocket升级失败", map[string]interface{}{"err": err.Error()})
		return
	}

	ch := h.Hub.register(conn)
	go h.Hub.writeLoop(conn, ch)
	h.Hub.readLoop(conn)
}

// writeLoop 推送事件并定期ping
func (h *Hub) writeLoop(conn *websocket.Conn, ch chan services.StoryEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(conn)
	}()

	for {
		select {
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 只处理控制帧，客户端不通过WebSocket发指令
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
