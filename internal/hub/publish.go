package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
)

var _ domain.Publisher = (*Hub)(nil)

// Publish validates and enqueues an envelope for the next drain tick.
// It never touches the registry and never blocks on I/O.
func (h *Hub) Publish(kind domain.Kind, action domain.Action, payload json.RawMessage, targetUser string) (domain.Envelope, error) {
	env, err := domain.NewEnvelope(uuid.NewString(), kind, action, payload, targetUser, h.stamp())
	if err != nil {
		return domain.Envelope{}, err
	}

	dropped, err := h.queue.Push(env)
	if err != nil {
		metrics.DispatchDroppedTotal.WithLabelValues(string(DropNewest)).Inc()
		slog.Warn("Dispatch queue full, rejecting update", "kind", kind, "target_user", targetUser)
		return domain.Envelope{}, err
	}
	if dropped {
		metrics.DispatchDroppedTotal.WithLabelValues(string(DropOldest)).Inc()
		slog.Warn("Dispatch queue full, dropped oldest update", "capacity", h.cfg.QueueCapacity)
	}

	metrics.DispatchEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	return env, nil
}

// PublishDirect delivers an envelope on the hub goroutine, skipping the queue, to every live
// connection of targetUser whatever its subscriptions. It is a no-op if the user has no connection.
func (h *Hub) PublishDirect(targetUser string, kind domain.Kind, action domain.Action, payload json.RawMessage) (domain.Envelope, error) {
	env, err := domain.NewEnvelope(uuid.NewString(), kind, action, payload, targetUser, h.stamp())
	if err != nil {
		return domain.Envelope{}, err
	}

	if err := h.send(directCmd{envelope: env}); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// stamp returns the current time, never earlier than a previously returned stamp.
func (h *Hub) stamp() time.Time {
	h.stampMu.Lock()
	defer h.stampMu.Unlock()

	now := h.clock.Now().UTC()
	if now.Before(h.lastStamp) {
		now = h.lastStamp
	}
	h.lastStamp = now
	return now
}
