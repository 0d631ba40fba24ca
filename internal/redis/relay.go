package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RelayFrame is one publish request carried over Redis Pub/Sub.
type RelayFrame struct {
	Kind       string `msgpack:"k"`
	Action     string `msgpack:"a"`
	Payload    []byte `msgpack:"p"`
	TargetUser string `msgpack:"u"`
	Direct     bool   `msgpack:"d,omitempty"`
}

func EncodeFrame(f RelayFrame) ([]byte, error) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay frame: %w", err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (RelayFrame, error) {
	var f RelayFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return RelayFrame{}, fmt.Errorf("failed to decode relay frame: %w", err)
	}
	return f, nil
}

var relayRetryPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Jitter:         0.2,
}

// RelayPublisher writes frames for every subscribed server instance.
type RelayPublisher struct {
	rdb     *goredis.Client
	channel string
}

func NewRelayPublisher(rdb *goredis.Client, channel string) *RelayPublisher {
	return &RelayPublisher{rdb: rdb, channel: channel}
}

// Publish returns the number of server instances that received the frame.
func (p *RelayPublisher) Publish(ctx context.Context, f RelayFrame) (int64, error) {
	data, err := EncodeFrame(f)
	if err != nil {
		return 0, err
	}

	receivers, err := retry.Do(ctx, relayRetryPolicy, classifyRedisError, func() (int64, error) {
		return p.rdb.Publish(ctx, p.channel, data).Result()
	})
	if err != nil {
		metrics.RelayFramesPublished.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to publish relay frame: %w", err)
	}

	metrics.RelayFramesPublished.WithLabelValues("success").Inc()
	return receivers, nil
}

func classifyRedisError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}

// RelaySubscriber feeds frames from the relay channel into a local publisher.
type RelaySubscriber struct {
	rdb       *goredis.Client
	channel   string
	publisher domain.Publisher
	clock     clockwork.Clock
	backoff   retry.Backoff
}

func NewRelaySubscriber(rdb *goredis.Client, channel string, publisher domain.Publisher, clock clockwork.Clock) *RelaySubscriber {
	return &RelaySubscriber{
		rdb:       rdb,
		channel:   channel,
		publisher: publisher,
		clock:     clock,
		backoff:   retry.Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2},
	}
}

// Run blocks until ctx is cancelled, resubscribing with backoff whenever the subscription fails.
func (s *RelaySubscriber) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			attempt = 0
		}

		wait := s.backoff.Delay(attempt)
		slog.Warn("Relay subscription lost, resubscribing", "channel", s.channel, "error", err, "backoff", wait)

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

// subscribe returns nil when an established subscription ended, an error when it never started.
func (s *RelaySubscriber) subscribe(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	slog.Info("Relay subscribed", "channel", s.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			s.handle([]byte(msg.Payload))
		}
	}
}

func (s *RelaySubscriber) handle(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		metrics.RelayFramesReceived.WithLabelValues("invalid").Inc()
		slog.Warn("Dropping undecodable relay frame", "error", err)
		return
	}

	if err := Apply(s.publisher, frame); err != nil {
		metrics.RelayFramesReceived.WithLabelValues("rejected").Inc()
		slog.Warn("Relay frame rejected", "kind", frame.Kind, "target_user", frame.TargetUser, "error", err)
		return
	}
	metrics.RelayFramesReceived.WithLabelValues("accepted").Inc()
}

// Apply hands a decoded frame to the publisher.
func Apply(publisher domain.Publisher, f RelayFrame) error {
	action, err := domain.ParseAction(f.Action)
	if err != nil {
		return err
	}

	kind := domain.Kind(f.Kind)
	if f.Direct {
		_, err = publisher.PublishDirect(f.TargetUser, kind, action, f.Payload)
	} else {
		_, err = publisher.Publish(kind, action, f.Payload, f.TargetUser)
	}
	return err
}
