package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/redis"
	"github.com/spf13/cobra"
)

const publishTimeout = 10 * time.Second

type publishOptions struct {
	kind       string
	action     string
	payload    string
	targetUser string
	direct     bool
}

func (o publishOptions) validate() error {
	if o.kind == "" {
		return domain.ErrEmptyKind
	}
	if o.targetUser == "" {
		return domain.ErrEmptyTarget
	}
	if _, err := domain.ParseAction(o.action); err != nil {
		return err
	}
	if o.payload != "" && !json.Valid([]byte(o.payload)) {
		return domain.ErrInvalidPayload
	}
	return nil
}

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one update over HTTP or through the Redis relay",
		Long: "Publish one update. With --server the update is POSTed to /api/v1/updates; " +
			"with --relay-channel it is written to Redis Pub/Sub and picked up by every server instance.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := publishOptions{}
			opts.kind, _ = cmd.Flags().GetString("kind")
			opts.action, _ = cmd.Flags().GetString("action")
			opts.payload, _ = cmd.Flags().GetString("payload")
			opts.targetUser, _ = cmd.Flags().GetString("user")
			opts.direct, _ = cmd.Flags().GetBool("direct")
			if err := opts.validate(); err != nil {
				return err
			}

			serverURL, _ := cmd.Flags().GetString("server")
			apiKey, _ := cmd.Flags().GetString("api-key")
			channel, _ := cmd.Flags().GetString("relay-channel")
			redisURL, _ := cmd.Flags().GetString("redis-url")

			ctx, cancel := context.WithTimeout(cmd.Context(), publishTimeout)
			defer cancel()

			switch {
			case channel != "":
				return publishRelay(ctx, cmd.OutOrStdout(), redisURL, channel, opts)
			case serverURL != "":
				return publishHTTP(ctx, cmd.OutOrStdout(), http.DefaultClient, serverURL, apiKey, opts)
			default:
				return errors.New("either --server or --relay-channel is required")
			}
		},
	}
	cmd.Flags().String("server", envOr("LIVEFEED_URL", ""), "Server base URL, e.g. http://localhost:8080")
	cmd.Flags().String("api-key", envOr("PUBLISH_API_KEY", ""), "Publish API key (or set PUBLISH_API_KEY)")
	cmd.Flags().String("relay-channel", envOr("RELAY_CHANNEL", ""), "Redis relay channel (or set RELAY_CHANNEL)")
	cmd.Flags().String("redis-url", envOr("REDIS_URL", ""), "Redis URL (or set REDIS_URL)")
	cmd.Flags().String("kind", "", "Update kind, e.g. mail-item")
	cmd.Flags().String("action", string(domain.ActionUpdated), "created, updated or deleted")
	cmd.Flags().String("payload", "", "JSON payload")
	cmd.Flags().String("user", "", "Target user")
	cmd.Flags().Bool("direct", false, "Deliver immediately, bypassing the dispatch queue")
	return cmd
}

func publishHTTP(ctx context.Context, out io.Writer, client *http.Client, serverURL, apiKey string, opts publishOptions) error {
	body := map[string]any{
		"kind":       opts.kind,
		"action":     opts.action,
		"targetUser": opts.targetUser,
		"direct":     opts.direct,
	}
	if opts.payload != "" {
		body["payload"] = json.RawMessage(opts.payload)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := strings.TrimRight(serverURL, "/") + "/api/v1/updates"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	fmt.Fprintln(out, strings.TrimSpace(string(respBody)))
	return nil
}

func publishRelay(ctx context.Context, out io.Writer, redisURL, channel string, opts publishOptions) error {
	rdb, err := redis.NewClient(ctx, redisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	receivers, err := redis.NewRelayPublisher(rdb, channel).Publish(ctx, redis.RelayFrame{
		Kind:       opts.kind,
		Action:     opts.action,
		Payload:    []byte(opts.payload),
		TargetUser: opts.targetUser,
		Direct:     opts.direct,
	})
	if err != nil {
		return err
	}
	if receivers == 0 {
		fmt.Fprintln(out, "warning: no server instance is subscribed to", channel)
	}
	fmt.Fprintf(out, "receivers=%d\n", receivers)
	return nil
}
