package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/skychat/backend/internal/config"
	"github.com/zhouzirui/skychat/backend/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "skychat",
		Short:         "Chat widget demo backend with a drifting cloud sky",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTranscriptCmd())
	return root
}

// loadConfig reads .env, the environment and the optional config file, then sets up logging.
func loadConfig() (*config.Config, error) {
	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	if !envLoaded {
		log.Debug().Msg("no .env file loaded, using system environment variables only")
	}
	return cfg, nil
}
