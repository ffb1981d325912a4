package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/research-status-relay/internal/clock/system"
	redissub "github.com/JakeFAU/research-status-relay/internal/pubsub/redis"
)

type statusMessage struct {
	Status    string         `json:"status"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

func newPublishCmd() *cobra.Command {
	var (
		status   string
		details  []string
		payload  string
		redisURL string
		channel  string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publishes one status update to the relay channel",
		Long: `Publishes {"status", "details", "timestamp"} the same way the research
backend does and prints how many subscribers received it. --payload sends a
raw payload instead. Useful as a smoke test for a running relay.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if redisURL == "" {
				redisURL = cfg.Redis.URL
			}
			if channel == "" {
				channel = cfg.Relay.Channel
			}

			body := []byte(payload)
			if payload == "" {
				if status == "" {
					return fmt.Errorf("--status or --payload is required")
				}
				body, err = buildStatusMessage(status, details, system.New())
				if err != nil {
					return err
				}
			}

			pub, err := redissub.NewPublisher(redissub.Config{URL: redisURL, DialTimeout: cfg.Redis.DialTimeout})
			if err != nil {
				return fmt.Errorf("init publisher: %w", err)
			}
			defer func() { _ = pub.Close() }()

			n, err := pub.Publish(cmd.Context(), channel, body)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s, subscribers: %d\n", channel, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status value, e.g. started, completed, error")
	cmd.Flags().StringArrayVar(&details, "detail", nil, "detail entry as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().StringVar(&payload, "payload", "", "raw payload to publish verbatim")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "overrides redis.url")
	cmd.Flags().StringVar(&channel, "channel", "", "overrides relay.channel")
	cmd.MarkFlagsMutuallyExclusive("payload", "status")
	return cmd
}

type stamper interface {
	Stamp() string
}

func buildStatusMessage(status string, details []string, clock stamper) ([]byte, error) {
	msg := statusMessage{Status: status, Details: map[string]any{}, Timestamp: clock.Stamp()}
	for _, kv := range details {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("detail %q must be key=value", kv)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		msg.Details[key] = val
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode status message: %w", err)
	}
	return body, nil
}
