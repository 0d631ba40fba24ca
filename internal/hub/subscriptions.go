package hub

// subscriptionSet is a set of channel names that remembers first-subscribed order.
type subscriptionSet struct {
	order []string
	index map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{index: make(map[string]struct{})}
}

func (s *subscriptionSet) add(channels []string) {
	for _, ch := range channels {
		if _, ok := s.index[ch]; ok {
			continue
		}
		s.index[ch] = struct{}{}
		s.order = append(s.order, ch)
	}
}

func (s *subscriptionSet) remove(channels []string) {
	removed := false
	for _, ch := range channels {
		if _, ok := s.index[ch]; ok {
			delete(s.index, ch)
			removed = true
		}
	}
	if !removed {
		return
	}

	kept := s.order[:0]
	for _, ch := range s.order {
		if _, ok := s.index[ch]; ok {
			kept = append(kept, ch)
		}
	}
	s.order = kept
}

func (s *subscriptionSet) has(channel string) bool {
	_, ok := s.index[channel]
	return ok
}

func (s *subscriptionSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
