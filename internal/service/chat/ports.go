package chat

import (
	"context"

	"github.com/zhouzirui/skychat/backend/internal/model/chat"
)

// NodeHandle identifies a node created by the Presenter.
type NodeHandle string

// Presenter renders the conversation. Implementations must be safe for concurrent use.
type Presenter interface {
	RenderAll(messages []chat.Message)
	AppendNode(role chat.Role, content string) NodeHandle
	AppendTypingNode() NodeHandle
	// UpdateNode replaces the visible text of a node. delta is the suffix added since the last update.
	UpdateNode(h NodeHandle, revealed, delta string)
	RemoveNode(h NodeHandle)
	ScrollToEnd()
	SetSubmitEnabled(enabled bool)
}

// Persistence stores the message log on a best-effort basis.
type Persistence interface {
	Save(ctx context.Context, messages []chat.Message)
	Load(ctx context.Context) []chat.Message
}

// ReplySource produces the assistant's answer to a user message.
type ReplySource interface {
	Reply(ctx context.Context, userText string) (string, error)
}
