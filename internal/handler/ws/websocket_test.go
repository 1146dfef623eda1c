package ws

import (
	"context"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/presentation"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/service/reply"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

type recordingVisibility struct {
	mu     sync.Mutex
	values []bool
}

func (v *recordingVisibility) SetVisible(visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values = append(v.values, visible)
}

func (v *recordingVisibility) snapshot() []bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]bool(nil), v.values...)
}

type recordingCompletions struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingCompletions) Notify(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return id == "known"
}

func (c *recordingCompletions) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type fixture struct {
	conn        *websocket.Conn
	bus         *events.Bus
	url         string
	engine      *chatservice.Engine
	visibility  *recordingVisibility
	completions *recordingCompletions
}

func instant(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	history := chatservice.NewHistory(storage.NewMemoryStore(), "", true, 200)
	engine := chatservice.NewEngine(chatservice.DefaultSettings(), history, presentation.NewChatPresenter(bus),
		reply.NewCanned(rand.NewSource(1)), chatservice.WithSleeper(instant))

	f := &fixture{bus: bus, engine: engine, visibility: &recordingVisibility{}, completions: &recordingCompletions{}}
	h := New(ctx, engine, bus, func() any { return map[string]int{"messages": 0} }, f.visibility, f.completions)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	f.conn = conn
	f.url = url

	if env := f.read(t); env.Topic != TopicControl || env.Event != "snapshot" {
		t.Fatalf("expected snapshot first, got %+v", env)
	}
	return f
}

func (f *fixture) send(t *testing.T, typ string, data any) {
	t.Helper()
	if err := f.conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (f *fixture) read(t *testing.T) events.Envelope {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env events.Envelope
	if err := f.conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func (f *fixture) readUntil(t *testing.T, topic, event string) events.Envelope {
	t.Helper()
	for i := 0; i < 500; i++ {
		env := f.read(t)
		if env.Topic == topic && env.Event == event {
			return env
		}
	}
	t.Fatalf("never saw %s/%s", topic, event)
	return events.Envelope{}
}

func TestConfigMessageUpdatesSettings(t *testing.T) {
	f := setup(t)

	f.send(t, "config", map[string]any{"streaming": false, "typingDelayMs": 40})
	env := f.readUntil(t, TopicControl, "config")
	if !strings.Contains(string(env.Data), `"streaming":false`) {
		t.Fatalf("unexpected config reply %s", env.Data)
	}

	settings := f.engine.Settings()
	if settings.Streaming || settings.TypingDelay != 40*time.Millisecond {
		t.Fatalf("settings not applied: %+v", settings)
	}
}

func TestClearRequiresConfirm(t *testing.T) {
	f := setup(t)

	f.send(t, "clear", map[string]any{})
	env := f.readUntil(t, TopicControl, "error")
	if !strings.Contains(string(env.Data), "confirm") {
		t.Fatalf("unexpected error %s", env.Data)
	}

	f.send(t, "clear", map[string]any{"confirm": true})
	f.readUntil(t, events.TopicChat, presentation.EventRenderAll)
}

func TestTextMessageStreamsReply(t *testing.T) {
	f := setup(t)

	f.send(t, "text", map[string]any{"text": "hello"})
	f.readUntil(t, events.TopicChat, presentation.EventTyping)
	f.readUntil(t, events.TopicChat, presentation.EventDelta)
	f.readUntil(t, events.TopicChat, presentation.EventRemove)
	f.readUntil(t, events.TopicChat, presentation.EventAppend)

	deadline := time.Now().Add(2 * time.Second)
	for len(f.engine.Messages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("reply never committed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVisibilityAndAnimationEnd(t *testing.T) {
	f := setup(t)

	f.send(t, "visibility", map[string]any{"hidden": true})
	f.send(t, "visibility", map[string]any{"hidden": false})
	f.send(t, "animationend", map[string]any{"id": "known"})
	f.send(t, "animationend", map[string]any{"id": ""})
	f.readUntil(t, TopicControl, "error")

	if got := f.visibility.snapshot(); len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("unexpected visibility calls %v", got)
	}
	if got := f.completions.snapshot(); len(got) != 1 || got[0] != "known" {
		t.Fatalf("unexpected completions %v", got)
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := setup(t)

	f.send(t, "audio", map[string]any{})
	env := f.readUntil(t, TopicControl, "error")
	if !strings.Contains(string(env.Data), "unsupported message type: audio") {
		t.Fatalf("unexpected error %s", env.Data)
	}
}

func TestSnapshotPrecedesBusEvents(t *testing.T) {
	f := setup(t)

	stop := make(chan struct{})
	publishing := make(chan struct{})
	go func() {
		defer close(publishing)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = f.bus.Publish(events.TopicSky, "spawn", map[string]string{"id": "c"})
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-publishing
	}()

	for i := 0; i < 10; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			t.Fatalf("read: %v", err)
		}
		conn.Close()
		if env.Topic != TopicControl || env.Event != "snapshot" {
			t.Fatalf("connection %d: expected snapshot first, got %+v", i, env)
		}
	}
}
