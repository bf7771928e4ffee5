package events

import "sync"

// history is a fixed-capacity append-only sequence of published events.
// Oldest entries are evicted on overflow. It is observability data, not
// a queue: nothing is ever re-driven from it.
type history struct {
	mu  sync.RWMutex
	buf []*Event
	cap int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1000
	}
	return &history{cap: capacity}
}

func (h *history) append(ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf = append(h.buf, ev)
	if len(h.buf) > h.cap {
		h.buf = h.buf[len(h.buf)-h.cap:]
	}
}

// HistoryFilter narrows an event-history query.
type HistoryFilter struct {
	Kind  Kind // zero value matches all kinds
	Limit int  // 0 means no limit
}

// query returns matching events, newest last.
func (h *history) query(f HistoryFilter) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Event
	for _, ev := range h.buf {
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}
