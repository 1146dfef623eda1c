// Package presentation turns core service callbacks into bus events for browser clients.
package presentation

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
)

// Chat event names.
const (
	EventRenderAll   = "render_all"
	EventAppend      = "append"
	EventTyping      = "typing"
	EventDelta       = "delta"
	EventRemove      = "remove"
	EventScroll      = "scroll"
	EventSubmitState = "submit_state"
)

// Publisher is the part of the bus presenters need.
type Publisher interface {
	Publish(topic, event string, data any) error
}

// NodePayload describes an appended message node.
type NodePayload struct {
	Handle  chatservice.NodeHandle `json:"handle"`
	Role    chat.Role              `json:"role"`
	Content string                 `json:"content"`
	Typing  bool                   `json:"typing,omitempty"`
}

// DeltaPayload carries one streaming step.
type DeltaPayload struct {
	Handle chatservice.NodeHandle `json:"handle"`
	Delta  string                 `json:"delta"`
	Length int                    `json:"length"`
}

// ChatPresenter publishes conversation rendering on the chat topic.
type ChatPresenter struct {
	pub Publisher
}

// NewChatPresenter builds a presenter publishing to pub.
func NewChatPresenter(pub Publisher) *ChatPresenter {
	return &ChatPresenter{pub: pub}
}

func (p *ChatPresenter) publish(event string, data any) {
	if err := p.pub.Publish(events.TopicChat, event, data); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("presentation: chat publish failed")
	}
}

func (p *ChatPresenter) RenderAll(messages []chat.Message) {
	if messages == nil {
		messages = []chat.Message{}
	}
	p.publish(EventRenderAll, map[string]any{"messages": messages})
}

func (p *ChatPresenter) AppendNode(role chat.Role, content string) chatservice.NodeHandle {
	h := chatservice.NodeHandle(uuid.NewString())
	p.publish(EventAppend, NodePayload{Handle: h, Role: role, Content: content})
	return h
}

func (p *ChatPresenter) AppendTypingNode() chatservice.NodeHandle {
	h := chatservice.NodeHandle(uuid.NewString())
	p.publish(EventTyping, NodePayload{Handle: h, Role: chat.RoleAssistant, Typing: true})
	return h
}

func (p *ChatPresenter) UpdateNode(h chatservice.NodeHandle, revealed, delta string) {
	p.publish(EventDelta, DeltaPayload{Handle: h, Delta: delta, Length: len(revealed)})
}

func (p *ChatPresenter) RemoveNode(h chatservice.NodeHandle) {
	p.publish(EventRemove, map[string]any{"handle": h})
}

func (p *ChatPresenter) ScrollToEnd() {
	p.publish(EventScroll, nil)
}

func (p *ChatPresenter) SetSubmitEnabled(enabled bool) {
	p.publish(EventSubmitState, map[string]bool{"enabled": enabled})
}
