package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

// DefaultStorageKey is the key the log snapshot is stored under.
const DefaultStorageKey = "simple-chat"

// History persists the most recent messages as a JSON array in a key-value store.
// Failures are logged and swallowed.
type History struct {
	store   storage.Store
	key     string
	enabled bool
	limit   int
}

// NewHistory builds a History. limit <= 0 keeps every message.
func NewHistory(store storage.Store, key string, enabled bool, limit int) *History {
	if key == "" {
		key = DefaultStorageKey
	}
	return &History{store: store, key: key, enabled: enabled && store != nil, limit: limit}
}

// Save writes at most limit of the newest messages.
func (h *History) Save(ctx context.Context, messages []chat.Message) {
	if !h.enabled {
		return
	}
	if h.limit > 0 && len(messages) > h.limit {
		messages = messages[len(messages)-h.limit:]
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	data, err := json.Marshal(messages)
	if err != nil {
		log.Debug().Err(err).Msg("history: encode failed")
		return
	}
	if err := h.store.Set(ctx, h.key, data); err != nil {
		log.Warn().Err(err).Str("key", h.key).Msg("history: save failed, continuing without persistence")
	}
}

// Load returns the stored snapshot, or nil when nothing usable is stored.
func (h *History) Load(ctx context.Context) []chat.Message {
	if !h.enabled {
		return nil
	}

	data, err := h.store.Get(ctx, h.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("key", h.key).Msg("history: load failed")
		}
		return nil
	}

	var messages []chat.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		log.Warn().Err(err).Str("key", h.key).Msg("history: discarding unreadable snapshot")
		return nil
	}

	valid := messages[:0]
	for _, msg := range messages {
		if msg.Role.Valid() {
			valid = append(valid, msg)
		}
	}
	return valid
}
