package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/skychat/backend/internal/config"
	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

// clipboardWrite is swapped in tests.
var clipboardWrite = clipboard.WriteAll

func newTranscriptCmd() *cobra.Command {
	var (
		copyToClipboard bool
		serverURL       string
	)

	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Print the chat transcript, optionally copying it to the clipboard",
		Long: `Print the conversation as "You: ..." / "AI: ..." paragraphs.

By default the transcript is read from the configured storage. With --server it is
fetched from a running skychat instance instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				text string
				err  error
			)
			if serverURL != "" {
				text, err = fetchTranscript(cmd.Context(), serverURL)
			} else {
				var cfg *config.Config
				if cfg, err = loadConfig(); err != nil {
					return err
				}
				text, err = storedTranscript(cmd.Context(), cfg)
			}
			if err != nil {
				return err
			}
			return exportTranscript(cmd.OutOrStdout(), cmd.ErrOrStderr(), text, copyToClipboard)
		},
	}

	cmd.Flags().BoolVar(&copyToClipboard, "copy", false, "copy the transcript to the system clipboard")
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running server, e.g. http://localhost:8080")
	return cmd
}

func storedTranscript(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := storage.Open(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		return "", fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	history := chatservice.NewHistory(store, cfg.Storage.Key, true, cfg.Chat.MaxHistory)
	return chatservice.Transcript(history.Load(ctx)), nil
}

func fetchTranscript(ctx context.Context, baseURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/api/transcript"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch transcript: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(body), nil
}

// exportTranscript copies text when asked. A clipboard failure is reported as a notice and
// the transcript is printed instead, so the command still succeeds.
func exportTranscript(stdout, stderr io.Writer, text string, copyToClipboard bool) error {
	if copyToClipboard {
		err := clipboardWrite(text)
		if err == nil {
			fmt.Fprintln(stderr, "Transcript copied to clipboard.")
			return nil
		}
		fmt.Fprintf(stderr, "Could not copy to clipboard (%v); printing the transcript instead.\n", err)
	}

	if _, err := io.WriteString(stdout, text); err != nil {
		return err
	}
	if text != "" && !strings.HasSuffix(text, "\n") {
		_, err := io.WriteString(stdout, "\n")
		return err
	}
	return nil
}
