package dispatch

import (
	"sync"
	"time"

	"noticore/internal/notify"
)

// HistoryEntry records one delivery attempt outcome.
type HistoryEntry struct {
	Request notify.Request `json:"request"`
	Status  string         `json:"status"` // "sent" or "failed"
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// history is a fixed-size ring of recent delivery outcomes.
type history struct {
	mu   sync.Mutex
	buf  []HistoryEntry
	next int
	size int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]HistoryEntry, capacity)}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.mu.Unlock()
}

// list returns entries newest first.
func (h *history) list() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, 0, h.size)
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
