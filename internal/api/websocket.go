// Package api WebSocket 事件网关
//
// 事件网关提供实时事件推送能力，支持前端实时监控构建执行过程。
// 使用 WebSocket 协议，支持双向通信。
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"build-ledger/internal/eventstore"
	"build-ledger/internal/model"
	"build-ledger/internal/storage"
	"build-ledger/pkg/logging"
)

// upgrader WebSocket 升级器配置
//
// 配置说明：
//   - ReadBufferSize: 读缓冲区大小
//   - WriteBufferSize: 写缓冲区大小
//   - CheckOrigin: 跨域检查（当前允许所有来源，生产环境应限制）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventGateway WebSocket 事件网关
//
// 事件网关负责：
//   - 管理 WebSocket 连接
//   - 通过事件库的进程内订阅接收实时事件
//   - 断线重连时按序号补推历史事件
//   - 在构建终结事件后通知客户端
//
// 使用场景：
//   - 前端实时显示构建事件流
//   - 监控构建状态变化
type EventGateway struct {
	events  *eventstore.Store                   // 事件库
	logger  *logging.Logger                     // 日志器
	clients map[string]map[*websocket.Conn]bool // 按 BuildID 索引的客户端连接
	mu      sync.RWMutex                        // 保护 clients 映射
}

// NewEventGateway 创建事件网关实例
func NewEventGateway(events *eventstore.Store, logger *logging.Logger) *EventGateway {
	return &EventGateway{
		events:  events,
		logger:  logger,
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/builds/{id}/events
//
// 查询参数：
//   - from_version: 起始事件序号（含，可选），用于断线重连恢复
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "build_completed"}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
//
// 实时推送走事件库的进程内订阅；订阅注册之前先按 from_version
// 补推历史事件，注册后的新事件经由带缓冲通道转发，两段之间按
// 序号去重，保证不重不漏。
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	if buildID == "" {
		http.Error(w, "build_id required", http.StatusBadRequest)
		return
	}

	fromVersion, _ := strconv.ParseInt(r.URL.Query().Get("from_version"), 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	g.addClient(buildID, conn)
	defer g.removeClient(buildID, conn)

	g.logger.Info("WebSocket client connected", "build_id", buildID, "from_version", fromVersion)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)

	// 先注册订阅再补历史，避免窗口期事件丢失；
	// 通道带缓冲，追加方永不阻塞，溢出的事件由慢客户端自行重连恢复。
	ch := make(chan *model.BuildEvent, 64)
	unsubscribe := g.events.Subscribe(eventstore.SubscriptionFilter{BuildID: buildID}, func(e *model.BuildEvent) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	lastVersion, ok := g.pushBacklog(ctx, conn, buildID, fromVersion)
	if !ok {
		return
	}

	g.writePump(ctx, conn, ch, lastVersion)
}

// pushBacklog 补推历史事件，返回已推送的最大序号
func (g *EventGateway) pushBacklog(ctx context.Context, conn *websocket.Conn, buildID string, fromVersion int64) (int64, bool) {
	events, err := g.events.GetEvents(ctx, buildID, storage.EventFilter{FromVersion: fromVersion})
	if err != nil {
		g.logger.Warn("WebSocket backlog fetch failed", "build_id", buildID, "error", err)
		return 0, true
	}

	var last int64
	for _, event := range events {
		if !g.writeEvent(conn, event) {
			return last, false
		}
		last = event.Version
	}
	return last, true
}

// writePump 向客户端推送订阅事件
//
// 主循环：
//   - 转发订阅通道中的新事件（按序号去重）
//   - 每 30s 发送 ping 保持连接
//   - 构建终结事件后发送状态通知并退出
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, ch <-chan *model.BuildEvent, lastVersion int64) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-ch:
			if event.Version <= lastVersion {
				continue
			}
			if !g.writeEvent(conn, event) {
				return
			}
			lastVersion = event.Version

			if event.Type == model.EventTypeBuildCompleted || event.Type == model.EventTypeBuildFailed || event.Type == model.EventTypeBuildCancelled {
				conn.WriteJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{
						"status": event.Type,
					},
				})
				return
			}
		}
	}
}

// writeEvent 推送单条事件，失败返回 false
func (g *EventGateway) writeEvent(conn *websocket.Conn, event *model.BuildEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(map[string]interface{}{
		"type": "event",
		"data": event,
	}); err != nil {
		g.logger.Warn("WebSocket write failed", "error", err)
		return false
	}
	return true
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行，处理客户端发送的消息：
//   - 心跳消息（ping）：响应 pong
//   - 连接关闭：取消上下文
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// addClient 添加客户端连接
func (g *EventGateway) addClient(buildID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[buildID] == nil {
		g.clients[buildID] = make(map[*websocket.Conn]bool)
	}
	g.clients[buildID][conn] = true
}

// removeClient 移除客户端连接
//
// 如果该 Build 没有其他连接，则清理整个条目。
func (g *EventGateway) removeClient(buildID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[buildID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(g.clients, buildID)
		}
	}
}

// ClientCount 返回指定 Build 的连接数（用于测试）
func (g *EventGateway) ClientCount(buildID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[buildID])
}
