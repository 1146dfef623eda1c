package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/handler/chat"
	"github.com/zhouzirui/skychat/backend/internal/handler/stream"
	"github.com/zhouzirui/skychat/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/skychat/backend/internal/middleware"
	"github.com/zhouzirui/skychat/backend/pkg/utils"
)

// Services 汇总路由依赖的核心服务。Visibility 与 Completions 在云朵调度关闭时为 nil。
type Services struct {
	Chat        chat.Engine
	Bus         stream.Subscriber
	Snapshot    func() any
	Visibility  ws.Visibility
	Completions ws.Completions
}

// NewRouter wires HTTP routes to core services. ctx bounds background replies.
func NewRouter(ctx context.Context, svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.AccessLog(log.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	chatHandler := chat.New(ctx, svc.Chat)
	streamHandler := stream.New(svc.Bus, svc.Snapshot)
	wsHandler := ws.New(ctx, svc.Chat, svc.Bus, svc.Snapshot, svc.Visibility, svc.Completions)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
