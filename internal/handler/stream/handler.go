package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/pkg/utils"
)

const (
	// DefaultHeartbeat keeps idle proxies from closing the stream.
	DefaultHeartbeat = 15 * time.Second
	// DefaultWriteTimeout bounds each event write to a client that stopped reading.
	DefaultWriteTimeout = 10 * time.Second
)

// Subscriber is the part of the event bus the stream needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan events.Envelope, error)
}

// Handler pushes bus events to browsers via Server-Sent Events
type Handler struct {
	bus          Subscriber
	snapshot     func() any
	heartbeat    time.Duration
	writeTimeout time.Duration
}

// New creates a new stream handler. snapshot is sent as the first event of every stream.
func New(bus Subscriber, snapshot func() any) *Handler {
	return &Handler{bus: bus, snapshot: snapshot, heartbeat: DefaultHeartbeat, writeTimeout: DefaultWriteTimeout}
}

// WithHeartbeat overrides the heartbeat interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	h.heartbeat = d
	return h
}

// WithWriteTimeout overrides the per-event write deadline.
func (h *Handler) WithWriteTimeout(d time.Duration) *Handler {
	h.writeTimeout = d
	return h
}

// RegisterRoutes registers the event stream route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.HandleEvents)
}

// HandleEvents streams chat and sky events until the client disconnects.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	logger := hlog.FromRequest(r)

	// subscribe before taking the snapshot so nothing falls between them
	envelopes, err := h.bus.Subscribe(ctx, events.TopicChat, events.TopicSky)
	if err != nil {
		logger.Error().Err(err).Msg("[sse] subscribe failed")
		utils.RespondError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}

	rc := http.NewResponseController(w)
	defer func() {
		_ = rc.SetWriteDeadline(time.Time{})
	}()
	armDeadline := func() {
		if err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug().Err(err).Msg("[sse] set write deadline failed")
		}
	}

	utils.SetupSSEHeaders(w)
	armDeadline()
	w.WriteHeader(http.StatusOK)

	var snapshot any = map[string]any{}
	if h.snapshot != nil {
		snapshot = h.snapshot()
	}
	if err := utils.SendSSEEvent(w, flusher, "snapshot", snapshot); err != nil {
		return
	}
	logger.Debug().Msg("[sse] stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("[sse] stream closed")
			return
		case env, ok := <-envelopes:
			if !ok {
				logger.Debug().Msg("[sse] subscription ended")
				return
			}
			armDeadline()
			if err := utils.SendSSEEventWithID(w, flusher, strconv.FormatUint(env.Seq, 10), env.Topic, env); err != nil {
				logger.Debug().Err(err).Msg("[sse] write failed")
				return
			}
		case t := <-ticker.C:
			armDeadline()
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}
