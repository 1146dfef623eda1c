package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/pkg/utils"
)

// Engine 是处理器依赖的对话引擎能力。
type Engine interface {
	Messages() []chat.Message
	Pending() bool
	Send(ctx context.Context, text string) (*chatService.Task, error)
	Clear(ctx context.Context)
	ExportTranscript() string
	Settings() chatService.Settings
	Configure(settings chatService.Settings)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	ctx    context.Context
	engine Engine
}

// New 创建聊天处理器。ctx 决定后台回复的生命周期，通常为服务进程的 context。
func New(ctx context.Context, engine Engine) *Handler {
	return &Handler{ctx: ctx, engine: engine}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.handleListMessages)
	r.Post("/messages", h.handleSubmit)
	r.Delete("/messages", h.handleClear)
	r.Get("/transcript", h.handleTranscript)
	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings", h.handlePutSettings)
}

// SettingsPayload 是设置的 JSON 形式。
type SettingsPayload struct {
	Streaming     bool  `json:"streaming"`
	TypingDelayMs int64 `json:"typingDelayMs"`
	LatencyMinMs  int64 `json:"latencyMinMs"`
	LatencyMaxMs  int64 `json:"latencyMaxMs"`
}

// SettingsUpdate 描述可修改的字段，未给出的字段保持不变。
type SettingsUpdate struct {
	Streaming     *bool  `json:"streaming,omitempty"`
	TypingDelayMs *int64 `json:"typingDelayMs,omitempty"`
}

// ToPayload 把引擎设置转换为 JSON 形式。
func ToPayload(s chatService.Settings) SettingsPayload {
	return SettingsPayload{
		Streaming:     s.Streaming,
		TypingDelayMs: s.TypingDelay.Milliseconds(),
		LatencyMinMs:  s.LatencyMin.Milliseconds(),
		LatencyMaxMs:  s.LatencyMax.Milliseconds(),
	}
}

// Apply 在 s 上应用更新。负的打字延迟会被拒绝。
func (u SettingsUpdate) Apply(s chatService.Settings) (chatService.Settings, error) {
	if u.Streaming != nil {
		s.Streaming = *u.Streaming
	}
	if u.TypingDelayMs != nil {
		if *u.TypingDelayMs < 0 {
			return s, errors.New("typingDelayMs must not be negative")
		}
		s.TypingDelay = time.Duration(*u.TypingDelayMs) * time.Millisecond
	}
	return s, nil
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages := h.engine.Messages()
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"pending":  h.engine.Pending(),
	})
}

// handleSubmit 提交一条用户消息，回复在后台生成并通过事件流推送。
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Content) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	task, err := h.engine.Send(h.ctx, payload.Content)
	if err != nil {
		if errors.Is(err, chatService.ErrReplyPending) {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go WatchTask(task)
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// WatchTask 等待后台回复结束并记录失败原因。
func WatchTask(task *chatService.Task) {
	<-task.Done()
	if err := task.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("chat: background reply failed")
	}
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		utils.RespondError(w, http.StatusBadRequest, "clearing the chat requires confirm=true")
		return
	}

	h.engine.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	utils.RespondText(w, http.StatusOK, h.engine.ExportTranscript())
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, ToPayload(h.engine.Settings()))
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var update SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings, err := update.Apply(h.engine.Settings())
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.engine.Configure(settings)
	utils.RespondJSON(w, http.StatusOK, ToPayload(settings))
}
