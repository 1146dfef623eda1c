package handler

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/presentation"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/service/reply"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	history := chatservice.NewHistory(storage.NewMemoryStore(), "", false, 0)
	engine := chatservice.NewEngine(chatservice.DefaultSettings(), history, presentation.NewChatPresenter(bus), reply.NewCanned(rand.NewSource(1)))

	return NewRouter(ctx, Services{
		Chat:     engine,
		Bus:      bus,
		Snapshot: presentation.Snapshotter(engine, nil),
	})
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestMetricsExposed(t *testing.T) {
	r := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "skychat_scheduler_running") {
		t.Fatalf("expected skychat metrics in output")
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	r := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS headers on API routes")
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/transcript", nil))
	if resp.Code != http.StatusOK || resp.Body.Len() != 0 {
		t.Fatalf("expected empty transcript, got %d %q", resp.Code, resp.Body.String())
	}
}
