package reply

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/model/chat"
)

// DefaultSystemPrompt keeps model replies short enough to stream comfortably.
const DefaultSystemPrompt = "You are a friendly assistant inside a small chat demo. Answer concisely in plain text."

// historyLimit bounds how many earlier turns are sent to the model.
const historyLimit = 10

// HistoryFunc returns the conversation so far, oldest first.
type HistoryFunc func() []chat.Message

// Model answers through a chat model chain.
type Model struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	history      HistoryFunc
}

// NewModel compiles a prompt + chat model chain. history may be nil.
func NewModel(ctx context.Context, chatModel model.ChatModel, systemPrompt string, history HistoryFunc) (*Model, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Model{chain: runnable, systemPrompt: systemPrompt, history: history}, nil
}

func (m *Model) Reply(ctx context.Context, userText string) (string, error) {
	response, err := m.chain.Invoke(ctx, map[string]any{
		"system":  m.systemPrompt,
		"history": m.buildHistory(userText),
		"query":   userText,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}

	log.Debug().Int("length", len(response.Content)).Msg("reply: model answered")
	return response.Content, nil
}

// buildHistory converts the recent log, dropping the trailing user turn that is sent as the query.
func (m *Model) buildHistory(userText string) []*schema.Message {
	if m.history == nil {
		return nil
	}
	messages := m.history()
	if n := len(messages); n > 0 && messages[n-1].Role == chat.RoleUser && messages[n-1].Content == userText {
		messages = messages[:n-1]
	}
	if len(messages) > historyLimit {
		messages = messages[len(messages)-historyLimit:]
	}

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
