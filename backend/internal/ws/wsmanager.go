package ws

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"otServer/backend/internal/collab"
	"otServer/backend/internal/session"
)

// 本地开发环境按主机名精确匹配，端口不限；配置里的来源按 scheme+host 匹配
var localHosts = map[string]bool{"localhost": true, "127.0.0.1": true, "::1": true}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return originAllowed(r.Header.Get("Origin"), allowedOrigins)
	}}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if localHosts[u.Hostname()] {
		return true
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		au, err := url.Parse(a)
		if err != nil {
			continue
		}
		if strings.EqualFold(au.Scheme, u.Scheme) && strings.EqualFold(au.Host, u.Host) {
			return true
		}
	}
	return false
}

type Manager struct {
	h        *Hub
	engine   *collab.Engine
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, allowedOrigins []string) *Manager {
	return &Manager{h: h, engine: engine, sem: sem, upgrader: newUpgrader(allowedOrigins)}
}

// WebSocketConnect 升级连接；带 ?docId=&field= 时直接加入对应房间
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.engine, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	done := make(chan struct{})
	go func() {
		wsConn.writeLoop()
		close(done)
	}()

	ctx := c.Request.Context()
	key := session.Key{DocumentID: c.Query("docId"), Field: c.Query("field")}
	if key != (session.Key{}) {
		wsConn.handleJoin(ctx, key)
	}

	// 阻塞至连接关闭
	wsConn.readLoop(ctx)
	<-done
}
