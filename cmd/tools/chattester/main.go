package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/handler/ws"
	"github.com/zhouzirui/skychat/backend/internal/logging"
	"github.com/zhouzirui/skychat/backend/internal/presentation"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/api/ws", "websocket 地址")
	text := flag.String("text", "hello", "要发送的消息")
	timeout := flag.Duration("timeout", 30*time.Second, "等待回复的超时时间")
	verbose := flag.Bool("v", false, "打印所有收到的事件")
	flag.Parse()

	if err := logging.Setup("info", "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *url, *text, *verbose); err != nil {
		log.Fatal().Err(err).Msg("chat test failed")
	}
}

func run(ctx context.Context, url, text string, verbose bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(map[string]any{"type": "text", "data": map[string]string{"text": text}}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	log.Info().Str("text", text).Msg("message sent")

	started := time.Now()
	typing := false
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("no reply within timeout: %w", ctx.Err())
			}
			return fmt.Errorf("read: %w", err)
		}
		if verbose {
			log.Info().Str("topic", env.Topic).Str("event", env.Event).RawJSON("data", orNull(env.Data)).Msg("event")
		}

		switch {
		case env.Topic == ws.TopicControl && env.Event == "error":
			return fmt.Errorf("server error: %s", env.Data)
		case env.Topic != events.TopicChat:
			continue
		case env.Event == presentation.EventTyping:
			typing = true
		case env.Event == presentation.EventDelta:
			var delta presentation.DeltaPayload
			if err := json.Unmarshal(env.Data, &delta); err == nil {
				fmt.Print(delta.Delta)
			}
		case env.Event == presentation.EventAppend && typing:
			var node presentation.NodePayload
			if err := json.Unmarshal(env.Data, &node); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			fmt.Println()
			log.Info().
				Dur("elapsed", time.Since(started)).
				Int("chars", len([]rune(node.Content))).
				Msg("reply committed")
			return nil
		}
	}
}

func orNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
