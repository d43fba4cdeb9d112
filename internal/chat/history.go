package chat

import (
	"sort"

	"github.com/pelusa-v/espresso-chat/internal/store"
)

// DefaultHistoryLimit bounds the in-memory history of a room.
const DefaultHistoryLimit = 100

// History holds the most recent persisted messages of a room in ascending
// (timestamp, id) order. Older messages stay in durable storage only.
type History struct {
	limit  int
	msgs   []store.Message
	loaded bool
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, msgs: make([]store.Message, 0, limit)}
}

// Hydrate replaces the buffer with the newest entries of msgs.
func (h *History) Hydrate(msgs []store.Message) {
	sorted := make([]store.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })
	if len(sorted) > h.limit {
		sorted = sorted[len(sorted)-h.limit:]
	}
	h.msgs = sorted
	h.loaded = true
}

// Append adds m as the newest entry, evicting the oldest at capacity.
func (h *History) Append(m store.Message) {
	if len(h.msgs) >= h.limit {
		copy(h.msgs, h.msgs[1:])
		h.msgs = h.msgs[:len(h.msgs)-1]
	}
	h.msgs = append(h.msgs, m)
}

// Messages returns a copy of the buffer, oldest first.
func (h *History) Messages() []store.Message {
	out := make([]store.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int { return len(h.msgs) }

func (h *History) Loaded() bool { return h.loaded }

// Newest returns the last message, if any.
func (h *History) Newest() (store.Message, bool) {
	if len(h.msgs) == 0 {
		return store.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}

// before orders by timestamp, then by id; ULIDs sort by creation.
func before(a, b store.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
