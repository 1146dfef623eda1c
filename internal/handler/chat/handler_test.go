package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/service/reply"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

type nopPresenter struct{}

func (nopPresenter) RenderAll([]chat.Message) {}
func (nopPresenter) AppendNode(chat.Role, string) chatservice.NodeHandle { return "n" }
func (nopPresenter) AppendTypingNode() chatservice.NodeHandle { return "t" }
func (nopPresenter) UpdateNode(chatservice.NodeHandle, string, string) {}
func (nopPresenter) RemoveNode(chatservice.NodeHandle) {}
func (nopPresenter) ScrollToEnd() {}
func (nopPresenter) SetSubmitEnabled(bool) {}

// gate 阻塞延迟直到被放行，便于观察进行中的回复。
type gate chan struct{}

func (g gate) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func setupRouter(t *testing.T, sleeper chatservice.Sleeper) (*chi.Mux, *chatservice.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	history := chatservice.NewHistory(storage.NewMemoryStore(), "", true, 200)
	engine := chatservice.NewEngine(chatservice.DefaultSettings(), history, nopPresenter{}, reply.NewCanned(rand.NewSource(1)),
		chatservice.WithSleeper(sleeper),
		chatservice.WithRandSource(rand.NewSource(1)),
	)

	r := chi.NewRouter()
	New(ctx, engine).RegisterRoutes(r)
	return r, engine
}

func instant(ctx context.Context, d time.Duration) error { return ctx.Err() }

func postMessage(r http.Handler, content string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(map[string]string{"content": content})
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func waitIdle(t *testing.T, engine *chatservice.Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for engine.Pending() {
		if time.Now().After(deadline) {
			t.Fatalf("reply did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitStartsReply(t *testing.T) {
	r, engine := setupRouter(t, instant)

	resp := postMessage(r, "  hello  ")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	waitIdle(t, engine)

	messages := engine.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != chat.RoleUser || messages[0].Content != "hello" {
		t.Fatalf("unexpected user message %+v", messages[0])
	}
	if messages[1].Role != chat.RoleAssistant || messages[1].Content == "" {
		t.Fatalf("unexpected reply %+v", messages[1])
	}
}

func TestSubmitBlankIsNoop(t *testing.T) {
	r, engine := setupRouter(t, instant)

	resp := postMessage(r, "   \n")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(engine.Messages()) != 0 {
		t.Fatalf("blank input must not change the log")
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	r, _ := setupRouter(t, instant)

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSubmitWhilePendingConflicts(t *testing.T) {
	g := make(gate)
	r, engine := setupRouter(t, g.sleep)

	if resp := postMessage(r, "first"); resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if resp := postMessage(r, "second"); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	close(g)
	waitIdle(t, engine)
	if len(engine.Messages()) != 2 {
		t.Fatalf("expected only the first exchange, got %d messages", len(engine.Messages()))
	}
}

func TestClearRequiresConfirm(t *testing.T) {
	r, engine := setupRouter(t, instant)
	postMessage(r, "hello")
	waitIdle(t, engine)

	req := httptest.NewRequest(http.MethodDelete, "/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if len(engine.Messages()) == 0 {
		t.Fatalf("unconfirmed clear must keep the log")
	}

	req = httptest.NewRequest(http.MethodDelete, "/messages?confirm=true", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(engine.Messages()) != 0 {
		t.Fatalf("expected empty log after clear")
	}
}

func TestListAndTranscript(t *testing.T) {
	r, engine := setupRouter(t, instant)

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"messages":[]`) {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}

	postMessage(r, "hello")
	waitIdle(t, engine)

	req = httptest.NewRequest(http.MethodGet, "/transcript", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if !strings.HasPrefix(resp.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	parts := strings.Split(resp.Body.String(), "\n\n")
	if len(parts) != 2 || parts[0] != "You: hello" || !strings.HasPrefix(parts[1], "AI: ") {
		t.Fatalf("unexpected transcript %q", resp.Body.String())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	r, engine := setupRouter(t, instant)

	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"streaming":false,"typingDelayMs":30}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	settings := engine.Settings()
	if settings.Streaming || settings.TypingDelay != 30*time.Millisecond {
		t.Fatalf("settings not applied: %+v", settings)
	}

	var payload SettingsPayload
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.TypingDelayMs != 30 || payload.LatencyMinMs != 500 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	req = httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(`{"typingDelayMs":-5}`))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
