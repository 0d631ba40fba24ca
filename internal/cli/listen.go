package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pscheid92/livefeed/internal/client"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/spf13/cobra"
)

func newListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect as a user and print every update as one JSON line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := client.Config{}
			cfg.URL, _ = cmd.Flags().GetString("url")
			cfg.Token, _ = cmd.Flags().GetString("token")
			cfg.UserID, _ = cmd.Flags().GetString("user")
			cfg.Channels, _ = cmd.Flags().GetStringSlice("channel")
			cfg.MaxReconnectAttempts, _ = cmd.Flags().GetInt("max-reconnects")
			if cfg.MaxReconnectAttempts == 0 {
				cfg.MaxReconnectAttempts = -1
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return listen(ctx, cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().String("url", envOr("LIVEFEED_WS_URL", "ws://localhost:8080/ws"), "WebSocket endpoint")
	cmd.Flags().String("token", envOr("LIVEFEED_TOKEN", ""), "Bearer token (or set LIVEFEED_TOKEN)")
	cmd.Flags().String("user", "", "User the token belongs to")
	cmd.Flags().StringSlice("channel", nil, "Channel (update kind) to subscribe to; repeatable")
	cmd.Flags().Int("max-reconnects", client.DefaultMaxReconnectAttempts, "Reconnect attempts before giving up (0 disables reconnecting)")
	return cmd
}

// listen runs the controller until ctx ends or reconnecting is exhausted.
func listen(ctx context.Context, out io.Writer, cfg client.Config) error {
	var outMu sync.Mutex
	enc := json.NewEncoder(out)

	failed := make(chan error, 1)
	cfg.OnUpdate = func(env domain.Envelope) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(env); err != nil {
			slog.Warn("Failed to print update", "error", err)
		}
	}
	cfg.OnStateChange = func(from, to client.State) {
		slog.Info("Connection state changed", "from", from, "to", to)
	}
	cfg.OnError = func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	// A failed first dial is retried by the controller; only exhaustion ends the command.
	if err := c.Connect(ctx); err != nil {
		slog.Warn("Initial connect failed, retrying", "error", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		if errors.Is(err, client.ErrReconnectExhausted) {
			return fmt.Errorf("giving up: %w", err)
		}
		return err
	}
}
