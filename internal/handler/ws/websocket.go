package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/skychat/backend/internal/events"
	chathandler "github.com/zhouzirui/skychat/backend/internal/handler/chat"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
)

// TopicControl carries replies addressed to a single connection.
const TopicControl = "control"

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Engine 是 WebSocket 需要的对话引擎能力。
type Engine interface {
	Send(ctx context.Context, text string) (*chatservice.Task, error)
	Clear(ctx context.Context)
	Settings() chatservice.Settings
	Configure(settings chatservice.Settings)
}

// Visibility 接收页面可见性变化。
type Visibility interface {
	SetVisible(visible bool)
}

// Completions 接收云朵动画结束通知。
type Completions interface {
	Notify(id string) bool
}

// Subscriber 订阅事件总线。
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan events.Envelope, error)
}

// Handler WebSocket 事件处理器
type Handler struct {
	ctx         context.Context
	engine      Engine
	visibility  Visibility
	completions Completions
	bus         Subscriber
	snapshot    func() any
	upgrader    websocket.Upgrader
}

// New 创建 WebSocket 处理器。visibility 和 completions 为 nil 时忽略对应消息。
func New(ctx context.Context, engine Engine, bus Subscriber, snapshot func() any, visibility Visibility, completions Completions) *Handler {
	return &Handler{
		ctx:         ctx,
		engine:      engine,
		visibility:  visibility,
		completions: completions,
		bus:         bus,
		snapshot:    snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

// ClearMessage 清空请求，必须显式确认。
type ClearMessage struct {
	Confirm bool `json:"confirm"`
}

// ConfigMessage 配置消息
type ConfigMessage = chathandler.SettingsUpdate

// VisibilityMessage 页面可见性
type VisibilityMessage struct {
	Hidden bool `json:"hidden"`
}

// AnimationEndMessage 动画结束通知
type AnimationEndMessage struct {
	ID string `json:"id"`
}

type connection struct {
	conn   *websocket.Conn
	outbox chan events.Envelope
	logger *zerolog.Logger
}

func controlEnvelope(event string, data any) (events.Envelope, error) {
	env := events.Envelope{Topic: TopicControl, Event: event, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return env, err
		}
		env.Data = raw
	}
	return env, nil
}

// write 直接写入连接；writeLoop 启动后只能由它调用。
func (c *connection) write(env events.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *connection) reply(ctx context.Context, event string, data any) {
	env, err := controlEnvelope(event, data)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("[websocket] encode reply failed")
		return
	}
	select {
	case c.outbox <- env:
	case <-ctx.Done():
	}
}

func (c *connection) sendError(ctx context.Context, message string) {
	c.reply(ctx, "error", map[string]string{"message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	envelopes, err := h.bus.Subscribe(ctx, events.TopicChat, events.TopicSky)
	if err != nil {
		logger.Error().Err(err).Msg("[websocket] subscribe failed")
		return
	}

	c := &connection{conn: conn, outbox: make(chan events.Envelope, 8), logger: logger}

	// 快照必须先于任何总线事件写出，因此在 writeLoop 启动前同步写入
	var snapshot any = map[string]any{}
	if h.snapshot != nil {
		snapshot = h.snapshot()
	}
	env, err := controlEnvelope("snapshot", snapshot)
	if err != nil {
		logger.Error().Err(err).Msg("[websocket] encode snapshot failed")
		return
	}
	if err := c.write(env); err != nil {
		logger.Debug().Err(err).Msg("[websocket] write snapshot failed")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, c, envelopes)
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	logger.Info().Msg("[websocket] client connected")

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("[websocket] read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleMessage(ctx, c, &msg)
	}
}

// writeLoop 是连接上唯一的写入者：转发总线事件、控制回复与 ping。
func (h *Handler) writeLoop(ctx context.Context, c *connection, envelopes <-chan events.Envelope) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(env events.Envelope) bool {
		if err := c.write(env); err != nil {
			c.logger.Debug().Err(err).Msg("[websocket] write failed")
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.outbox:
			if !write(env) {
				return
			}
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if !write(env) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	switch msg.Type {
	case "text":
		h.handleTextMessage(ctx, c, msg.Data)
	case "clear":
		h.handleClearMessage(ctx, c, msg.Data)
	case "config":
		h.handleConfigMessage(ctx, c, msg.Data)
	case "visibility":
		h.handleVisibilityMessage(ctx, c, msg.Data)
	case "animationend":
		h.handleAnimationEnd(ctx, c, msg.Data)
	default:
		c.sendError(ctx, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) handleTextMessage(ctx context.Context, c *connection, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		c.sendError(ctx, "invalid text payload")
		return
	}

	task, err := h.engine.Send(h.ctx, text.Text)
	if err != nil {
		if errors.Is(err, chatservice.ErrReplyPending) {
			c.sendError(ctx, err.Error())
			return
		}
		c.logger.Error().Err(err).Msg("[websocket] submit failed")
		c.sendError(ctx, "submit failed")
		return
	}
	go chathandler.WatchTask(task)
}

func (h *Handler) handleClearMessage(ctx context.Context, c *connection, raw json.RawMessage) {
	var req ClearMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendError(ctx, "invalid clear payload")
			return
		}
	}
	if !req.Confirm {
		c.sendError(ctx, "clearing the chat requires confirm")
		return
	}
	h.engine.Clear(ctx)
}

func (h *Handler) handleConfigMessage(ctx context.Context, c *connection, raw json.RawMessage) {
	var cfg ConfigMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		c.sendError(ctx, "invalid config payload")
		return
	}

	settings, err := cfg.Apply(h.engine.Settings())
	if err != nil {
		c.sendError(ctx, err.Error())
		return
	}
	h.engine.Configure(settings)

	c.logger.Info().
		Bool("streaming", settings.Streaming).
		Dur("typing_delay", settings.TypingDelay).
		Msg("[websocket] config applied")
	c.reply(ctx, "config", chathandler.ToPayload(settings))
}

func (h *Handler) handleVisibilityMessage(ctx context.Context, c *connection, raw json.RawMessage) {
	var vis VisibilityMessage
	if err := json.Unmarshal(raw, &vis); err != nil {
		c.sendError(ctx, "invalid visibility payload")
		return
	}
	if h.visibility == nil {
		return
	}
	h.visibility.SetVisible(!vis.Hidden)
}

func (h *Handler) handleAnimationEnd(ctx context.Context, c *connection, raw json.RawMessage) {
	var end AnimationEndMessage
	if err := json.Unmarshal(raw, &end); err != nil || end.ID == "" {
		c.sendError(ctx, "invalid animationend payload")
		return
	}
	if h.completions == nil {
		return
	}
	if !h.completions.Notify(end.ID) {
		c.logger.Debug().Str("id", end.ID).Msg("[websocket] completion for unknown particle")
	}
}
