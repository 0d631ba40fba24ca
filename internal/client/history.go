package client

import "github.com/pscheid92/livefeed/internal/domain"

// history keeps the newest envelopes first and forgets the oldest beyond limit.
type history struct {
	items []domain.Envelope
	limit int
}

func (h *history) add(env domain.Envelope) {
	if len(h.items) < h.limit {
		h.items = append(h.items, domain.Envelope{})
	}
	copy(h.items[1:], h.items)
	h.items[0] = env
}

func (h *history) snapshot() []domain.Envelope {
	out := make([]domain.Envelope, len(h.items))
	copy(out, h.items)
	return out
}
